//go:build integration

package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/trialdesk/trialdesk/internal/agent"
	"github.com/trialdesk/trialdesk/internal/config"
	"github.com/trialdesk/trialdesk/internal/conversation"
	conversationpostgres "github.com/trialdesk/trialdesk/internal/conversation/postgres"
	"github.com/trialdesk/trialdesk/internal/llm"
	"github.com/trialdesk/trialdesk/internal/migrations"
)

// checkpointWritingRunner stands in for the agent pipeline: it persists a
// plausible transcript through the real checkpoint store and answers.
type checkpointWritingRunner struct {
	checkpoints conversation.CheckpointStore
}

func (r *checkpointWritingRunner) Run(ctx context.Context, in agent.RunInput) (agent.RunResult, error) {
	state := agent.TurnState{Messages: []llm.Message{
		{ID: uuid.NewString(), Role: llm.RoleUser, Content: in.Question},
		{ID: uuid.NewString(), Role: llm.RoleAssistant, Content: "There are 42 matching trials."},
	}}
	raw, err := json.Marshal(state)
	if err != nil {
		return agent.RunResult{}, err
	}
	if err := r.checkpoints.Save(ctx, in.ConversationID, raw); err != nil {
		return agent.RunResult{}, err
	}
	return agent.RunResult{
		Answer:   "There are 42 matching trials.",
		SQLQuery: "SELECT count(*) FROM ctgov.studies",
	}, nil
}

func TestQueryPersistsConversationWithPostgres(t *testing.T) {
	adminDSN := strings.TrimSpace(os.Getenv("TRIALDESK_TEST_APP_DSN"))
	if adminDSN == "" {
		t.Skip("TRIALDESK_TEST_APP_DSN is not set")
	}

	testDSN, cleanup := createTemporaryDatabase(t, adminDSN)
	defer cleanup()

	db, err := sql.Open("pgx", testDSN)
	if err != nil {
		t.Fatalf("sql.Open() error = %v", err)
	}
	defer func() { _ = db.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if _, err := migrations.NewRunner().Up(ctx, db, 0); err != nil {
		t.Fatalf("runner.Up() error = %v", err)
	}

	checkpoints := conversationpostgres.NewCheckpointStore(db)
	cfg, err := config.Load("trialdesk-api", mapLookup(map[string]string{"TRIALDESK_PROFILE": "test"}))
	if err != nil {
		t.Fatalf("config load failed: %v", err)
	}
	h := NewHandler(cfg, Dependencies{
		Conversations: conversationpostgres.NewRepository(db),
		Checkpoints:   checkpoints,
		Runner:        &checkpointWritingRunner{checkpoints: checkpoints},
		Generator:     nopGenerator{},
	})

	clientID := uuid.NewString()

	queryReq := httptest.NewRequest(http.MethodPost, "/v1/query", strings.NewReader(`{"question": "How many trials match?"}`))
	queryReq.Header.Set("X-Client-ID", clientID)
	queryResp := httptest.NewRecorder()
	h.ServeHTTP(queryResp, queryReq)
	if queryResp.Code != http.StatusOK {
		t.Fatalf("query status = %d, body=%s", queryResp.Code, queryResp.Body.String())
	}
	var turn queryResponse
	if err := json.Unmarshal(queryResp.Body.Bytes(), &turn); err != nil {
		t.Fatalf("decode query response: %v", err)
	}
	if turn.Answer != "There are 42 matching trials." {
		t.Fatalf("answer = %q", turn.Answer)
	}

	listReq := httptest.NewRequest(http.MethodGet, "/v1/conversations", nil)
	listReq.Header.Set("X-Client-ID", clientID)
	listResp := httptest.NewRecorder()
	h.ServeHTTP(listResp, listReq)
	if listResp.Code != http.StatusOK {
		t.Fatalf("list status = %d, body=%s", listResp.Code, listResp.Body.String())
	}
	var listing struct {
		Conversations []conversationSummary `json:"conversations"`
		Total         int                   `json:"total"`
	}
	if err := json.Unmarshal(listResp.Body.Bytes(), &listing); err != nil {
		t.Fatalf("decode list response: %v", err)
	}
	if listing.Total != 1 || len(listing.Conversations) != 1 {
		t.Fatalf("listing = %+v", listing)
	}
	if listing.Conversations[0].Title != "How many trials match?" {
		t.Fatalf("title = %q", listing.Conversations[0].Title)
	}

	detailReq := httptest.NewRequest(http.MethodGet, "/v1/conversations/"+turn.ConversationID, nil)
	detailReq.Header.Set("X-Client-ID", clientID)
	detailResp := httptest.NewRecorder()
	h.ServeHTTP(detailResp, detailReq)
	if detailResp.Code != http.StatusOK {
		t.Fatalf("detail status = %d, body=%s", detailResp.Code, detailResp.Body.String())
	}
	var detail struct {
		Messages []conversationMessage `json:"messages"`
	}
	if err := json.Unmarshal(detailResp.Body.Bytes(), &detail); err != nil {
		t.Fatalf("decode detail response: %v", err)
	}
	if len(detail.Messages) != 2 {
		t.Fatalf("messages = %+v", detail.Messages)
	}
	if detail.Messages[1].Content != "There are 42 matching trials." {
		t.Fatalf("assistant message = %+v", detail.Messages[1])
	}

	deleteReq := httptest.NewRequest(http.MethodDelete, "/v1/conversations/"+turn.ConversationID, nil)
	deleteReq.Header.Set("X-Client-ID", clientID)
	deleteResp := httptest.NewRecorder()
	h.ServeHTTP(deleteResp, deleteReq)
	if deleteResp.Code != http.StatusOK {
		t.Fatalf("delete status = %d, body=%s", deleteResp.Code, deleteResp.Body.String())
	}

	var checkpointCount int
	if err := db.QueryRow(`SELECT COUNT(*) FROM agent_checkpoints`).Scan(&checkpointCount); err != nil {
		t.Fatalf("count checkpoints: %v", err)
	}
	if checkpointCount != 0 {
		t.Fatalf("checkpoints after delete = %d, want 0 via cascade", checkpointCount)
	}
}

func createTemporaryDatabase(t *testing.T, adminDSN string) (string, func()) {
	t.Helper()

	parsed, err := url.Parse(adminDSN)
	if err != nil {
		t.Fatalf("url.Parse(adminDSN) error = %v", err)
	}
	adminDBName := strings.TrimPrefix(parsed.Path, "/")
	if adminDBName == "" {
		t.Fatal("admin DSN must include a database name")
	}

	adminDB, err := sql.Open("pgx", adminDSN)
	if err != nil {
		t.Fatalf("sql.Open(adminDSN) error = %v", err)
	}

	name := fmt.Sprintf("trialdesk_it_api_%d", time.Now().UnixNano())
	if _, err := adminDB.Exec(`CREATE DATABASE ` + name); err != nil {
		t.Fatalf("CREATE DATABASE failed: %v", err)
	}

	testURL := *parsed
	testURL.Path = "/" + name
	testDSN := testURL.String()

	cleanup := func() {
		defer func() { _ = adminDB.Close() }()
		if _, err := adminDB.Exec(`SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = $1`, name); err != nil {
			t.Fatalf("terminate test db sessions: %v", err)
		}
		if _, err := adminDB.Exec(`DROP DATABASE ` + name); err != nil {
			t.Fatalf("DROP DATABASE failed: %v", err)
		}
	}
	return testDSN, cleanup
}
