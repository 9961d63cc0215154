package llm

import "context"

// WithStandby layers a second credential source over primary. When the
// primary fails in a way a different credential can absorb (rate limit,
// exhausted quota, timed-out call) the request is retried exactly once on
// the standby. All other failures, and failures while the caller's context
// is already dead, propagate unchanged. A nil standby returns primary as-is.
// onSwitch, when non-nil, fires right before each retry on the standby.
func WithStandby(primary, standby Client, onSwitch func()) Client {
	if standby == nil {
		return primary
	}
	return &standbyClient{primary: primary, standby: standby, onSwitch: onSwitch}
}

type standbyClient struct {
	primary  Client
	standby  Client
	onSwitch func()
}

func (s *standbyClient) Generate(ctx context.Context, req Request) (Message, error) {
	msg, err := s.primary.Generate(ctx, req)
	if err == nil || !CredentialExhausted(err) || ctx.Err() != nil {
		return msg, err
	}
	s.switched()
	return s.standby.Generate(ctx, req)
}

// Stream falls back only when the primary failed before emitting anything;
// a mid-stream retry would hand consumers duplicate fragments.
func (s *standbyClient) Stream(ctx context.Context, req Request, emit func(Delta)) (Message, error) {
	emitted := false
	tracked := emit
	if emit != nil {
		tracked = func(d Delta) {
			emitted = true
			emit(d)
		}
	}

	msg, err := s.primary.Stream(ctx, req, tracked)
	if err == nil || emitted || !CredentialExhausted(err) || ctx.Err() != nil {
		return msg, err
	}
	s.switched()
	return s.standby.Stream(ctx, req, emit)
}

func (s *standbyClient) switched() {
	if s.onSwitch != nil {
		s.onSwitch()
	}
}
