package telephony

import (
	"context"
	"fmt"
	"sync"
)

// FakeProvider records calls for tests. It is not intended for production use.
type FakeProvider struct {
	mu sync.Mutex

	// DialErr, when set, fails every Dial.
	DialErr error

	Dialed   []DialRequest
	Canceled []string
	Ended    []string

	nextSeq int
}

func NewFakeProvider() *FakeProvider { return &FakeProvider{} }

func (f *FakeProvider) Name() string                          { return "fake" }
func (f *FakeProvider) HealthCheck(ctx context.Context) error { return nil }

func (f *FakeProvider) Dial(ctx context.Context, req DialRequest) (DialResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DialErr != nil {
		return DialResult{}, f.DialErr
	}
	f.nextSeq++
	f.Dialed = append(f.Dialed, req)
	return DialResult{CallRef: fmt.Sprintf("CA-fake-%d", f.nextSeq)}, nil
}

func (f *FakeProvider) CancelCall(ctx context.Context, callRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Canceled = append(f.Canceled, callRef)
	return nil
}

func (f *FakeProvider) EndConference(ctx context.Context, conferenceRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Ended = append(f.Ended, conferenceRef)
	return nil
}

func (f *FakeProvider) MuteParticipant(ctx context.Context, conferenceRef, callRef string, muted bool) error {
	return nil
}

func (f *FakeProvider) HoldParticipant(ctx context.Context, conferenceRef, callRef string, held bool) error {
	return nil
}

// DialCount returns how many dials were placed.
func (f *FakeProvider) DialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Dialed)
}
