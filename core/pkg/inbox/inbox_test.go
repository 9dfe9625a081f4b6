package inbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/madcok-co/relay/core/pkg/contracts"
)

type fakeRepo struct {
	ids  map[string]bool
	fail error
}

func (r *fakeRepo) ExistsByMessageID(ctx context.Context, id string) (bool, error) {
	if r.fail != nil {
		return false, r.fail
	}
	return r.ids[id], nil
}

func (r *fakeRepo) Add(ctx context.Context, marker *contracts.ConsumerEvent) error {
	if r.ids == nil {
		r.ids = make(map[string]bool)
	}
	r.ids[marker.ID] = true
	return nil
}

func TestProcessedSelectsSide(t *testing.T) {
	ctx := context.Background()
	command := &fakeRepo{ids: map[string]bool{"cmd-1": true}}
	query := &fakeRepo{ids: map[string]bool{"qry-1": true}}
	s := New(command, query)

	cases := []struct {
		side contracts.TransactionSide
		id   string
		want bool
	}{
		{contracts.SideCommand, "cmd-1", true},
		{contracts.SideCommand, "qry-1", false},
		{contracts.SideQuery, "qry-1", true},
		{contracts.SideQuery, "cmd-1", false},
	}
	for _, tc := range cases {
		got, err := s.Processed(ctx, tc.side, tc.id)
		if err != nil {
			t.Fatalf("Processed(%s, %s): %v", tc.side, tc.id, err)
		}
		if got != tc.want {
			t.Errorf("Processed(%s, %s) = %v, want %v", tc.side, tc.id, got, tc.want)
		}
	}
}

func TestProcessedError(t *testing.T) {
	cause := errors.New("connection reset")
	s := New(&fakeRepo{fail: cause}, &fakeRepo{})
	if _, err := s.Processed(context.Background(), contracts.SideCommand, "m1"); !errors.Is(err, cause) {
		t.Errorf("error = %v, want wrapped %v", err, cause)
	}
}

func TestNewMarker(t *testing.T) {
	at := time.Date(2026, 8, 1, 10, 0, 0, 0, time.FixedZone("ICT", 7*3600))
	m := NewMarker("m1", "OrderCreated", 2, at)
	if m.ID != "m1" || m.Type != "OrderCreated" || m.CountOfRetry != 2 {
		t.Errorf("marker = %+v", m)
	}
	if m.CreatedAt.Location() != time.UTC {
		t.Errorf("CreatedAt not normalized to UTC: %v", m.CreatedAt)
	}
}
