package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"floracore/internal/core"
	"floracore/internal/infra/persistence/memory"
	"floracore/internal/merge"
	"floracore/pkg/domain"
)

func newHubService(t *testing.T) *core.Service {
	t.Helper()
	seq := 0
	svc, err := core.NewService(memory.NewStore(), core.Options{
		DeviceID: "hub",
		TenantID: "tenant-1",
		NewEventID: func() (string, error) {
			seq++
			return fmt.Sprintf("hub-ev-%04d", seq), nil
		},
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func edgeEvents(t *testing.T, count int) []domain.SyncEvent {
	t.Helper()
	seq := 0
	edge, err := core.NewService(memory.NewStore(), core.Options{
		DeviceID: "device-a",
		TenantID: "tenant-1",
		NewEventID: func() (string, error) {
			seq++
			return fmt.Sprintf("device-a-ev-%04d", seq), nil
		},
	})
	if err != nil {
		t.Fatalf("new edge service: %v", err)
	}
	ctx := context.Background()
	entity, _, err := edge.CreateEntity(ctx, domain.EntitySpecies, "", "tester")
	if err != nil {
		t.Fatalf("create entity: %v", err)
	}
	for i := 0; i < count-1; i++ {
		if _, err := edge.RecordMutation(ctx, entity.EntityID, "temperature.max_c", 20.0+float64(i), "tester"); err != nil {
			t.Fatalf("record mutation: %v", err)
		}
	}
	entries, err := edge.Store().PeekOutbox(ctx, count)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	events := make([]domain.SyncEvent, 0, len(entries))
	for _, entry := range entries {
		events = append(events, entry.Event)
	}
	return events
}

func newTestHub(t *testing.T, token string) (*httptest.Server, *core.Service) {
	t.Helper()
	hub := newHubService(t)
	srv := httptest.NewServer(NewMux(NewHandler(hub, token)))
	t.Cleanup(srv.Close)
	return srv, hub
}

func newTestClient(t *testing.T, srv *httptest.Server, token string, compress bool) *Client {
	t.Helper()
	client, err := NewClient(ClientConfig{
		BaseURL:  srv.URL,
		Token:    token,
		TenantID: "tenant-1",
		Compress: compress,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestPushPullRoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		name := "plain"
		if compress {
			name = "snappy"
		}
		t.Run(name, func(t *testing.T) {
			srv, _ := newTestHub(t, "secret")
			client := newTestClient(t, srv, "secret", compress)
			events := edgeEvents(t, 3)

			ctx := context.Background()
			result, err := client.Push(ctx, events)
			if err != nil {
				t.Fatalf("push: %v", err)
			}
			if len(result.Accepted) != 3 || len(result.Rejected) != 0 {
				t.Fatalf("result = %+v, want 3 accepted", result)
			}

			pulled, next, err := client.Pull(ctx, "", 100)
			if err != nil {
				t.Fatalf("pull: %v", err)
			}
			if len(pulled) != 3 {
				t.Fatalf("pulled %d events, want 3", len(pulled))
			}
			if next != events[len(events)-1].EventID {
				t.Fatalf("next cursor = %q, want last event id %q", next, events[len(events)-1].EventID)
			}

			// Resuming from the cursor yields nothing new.
			again, next2, err := client.Pull(ctx, next, 100)
			if err != nil {
				t.Fatalf("resume pull: %v", err)
			}
			if len(again) != 0 || next2 != next {
				t.Fatalf("resume returned %d events, cursor %q; want empty at %q", len(again), next2, next)
			}
		})
	}
}

func TestPullPagination(t *testing.T) {
	srv, _ := newTestHub(t, "")
	client := newTestClient(t, srv, "", false)
	events := edgeEvents(t, 5)

	ctx := context.Background()
	if _, err := client.Push(ctx, events); err != nil {
		t.Fatalf("push: %v", err)
	}

	var got []string
	cursor := ""
	for {
		page, next, err := client.Pull(ctx, cursor, 2)
		if err != nil {
			t.Fatalf("pull page: %v", err)
		}
		if len(page) == 0 {
			break
		}
		if len(page) > 2 {
			t.Fatalf("page of %d events exceeds limit", len(page))
		}
		for _, ev := range page {
			got = append(got, ev.EventID)
		}
		cursor = next
	}
	if len(got) != 5 {
		t.Fatalf("paged through %d events, want 5", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i] <= got[i-1] {
			t.Fatalf("event ids out of order: %v", got)
		}
	}
}

func TestAuthRejected(t *testing.T) {
	srv, _ := newTestHub(t, "secret")
	events := edgeEvents(t, 1)
	ctx := context.Background()

	for _, token := range []string{"", "wrong"} {
		client := newTestClient(t, srv, token, false)
		_, err := client.Push(ctx, events)
		var terr *domain.TransportError
		if !errors.As(err, &terr) {
			t.Fatalf("token %q: err = %v, want TransportError", token, err)
		}
		if terr.Transient {
			t.Fatalf("token %q: auth failures must not be retried", token)
		}
		if !strings.Contains(terr.Error(), "401") {
			t.Fatalf("token %q: err = %v, want status 401", token, err)
		}
	}
}

func TestAuthRequiresBearerScheme(t *testing.T) {
	srv, _ := newTestHub(t, "secret")
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/sync/down", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	// The raw token without the scheme must not pass.
	req.Header.Set("Authorization", "secret")
	req.Header.Set("X-Tenant-ID", "tenant-1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 for a schemeless token", resp.StatusCode)
	}
}

func TestMissingTenantHeader(t *testing.T) {
	srv, _ := newTestHub(t, "")
	resp, err := http.Get(srv.URL + "/sync/down")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 without X-Tenant-ID", resp.StatusCode)
	}
}

func TestUpRejectsGarbageBody(t *testing.T) {
	srv, _ := newTestHub(t, "")
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/sync/up", strings.NewReader("not json\n"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set(headerTenant, "tenant-1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for malformed NDJSON", resp.StatusCode)
	}
}

func TestOnAcceptedSeesOnlyAcceptedEvents(t *testing.T) {
	hub := newHubService(t)
	var archived []string
	handler := NewHandler(hub, "")
	handler.OnAccepted = func(_ context.Context, tenantID string, events []domain.SyncEvent) {
		for _, ev := range events {
			archived = append(archived, ev.EventID)
		}
	}
	srv := httptest.NewServer(NewMux(handler))
	t.Cleanup(srv.Close)

	events := edgeEvents(t, 2)
	poison := domain.SyncEvent{
		EventID:  "poison-1",
		TenantID: "tenant-1",
		DeviceID: "device-a",
		TS:       events[0].TS,
		EntityID: events[0].EntityID,
		Op:       domain.OpPatch,
		Patch:    map[string]domain.PatchValue{merge.MetaPathParent: {Kind: domain.KindLWW, Value: 7}},
		Clock:    domain.VectorClock{"device-a": 50},
	}
	events = append(events, poison)

	client := newTestClient(t, srv, "", false)
	result, err := client.Push(context.Background(), events)
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if len(result.Rejected) != 1 {
		t.Fatalf("rejected = %+v, want the malformed parent patch", result.Rejected)
	}
	if len(archived) != 2 {
		t.Fatalf("archived %d events, want only the 2 accepted", len(archived))
	}
	for _, id := range archived {
		if id == "poison-1" {
			t.Fatal("rejected event must not reach the archive hook")
		}
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv, hub := newTestHub(t, "")
	ctx := context.Background()
	if err := hub.Store().Quarantine(ctx, domain.SyncEvent{EventID: "q-1", TenantID: "tenant-1"}, "test"); err != nil {
		t.Fatalf("quarantine: %v", err)
	}

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/sync/status", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set(headerTenant, "tenant-1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var status domain.SyncStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.QuarantinedCount != 1 {
		t.Fatalf("quarantined = %d, want 1", status.QuarantinedCount)
	}
}

func TestHealthzNeedsNoAuth(t *testing.T) {
	srv, _ := newTestHub(t, "secret")
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}
