package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexhq/flex/facet"
)

func TestClientRegistersOnStart(t *testing.T) {
	var calls int32
	var lastPayload Registration
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		require.Equal(t, "/api/flex/capabilities/register", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&lastPayload))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(server.URL, &Registration{
		CapabilityID:   "contentGenerator",
		AgentType:      AgentTypeAI,
		OutputContract: &facet.Contract{Mode: facet.ModeFacets, Facets: []string{"copyVariants"}},
	})

	require.NoError(t, client.Start(context.Background()))
	defer client.Stop()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, "contentGenerator", lastPayload.CapabilityID)
}

func TestClientRetriesThenSucceeds(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(server.URL, &Registration{CapabilityID: "flaky"}, WithRegisterRetries(5))

	require.NoError(t, client.Start(context.Background()))
	defer client.Stop()

	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestClientGivesUpAfterRetryBudget(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	client := NewClient(server.URL, &Registration{CapabilityID: "rejected"}, WithRegisterRetries(2))

	err := client.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
}

func TestClientStopIsIdempotent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(server.URL, &Registration{CapabilityID: "stoppable"})
	require.NoError(t, client.Start(context.Background()))

	done := make(chan struct{})
	go func() {
		client.Stop()
		client.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestClientRestartsAfterStop(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(server.URL, &Registration{CapabilityID: "cyclable"})
	for i := 0; i < 2; i++ {
		require.NoError(t, client.Start(context.Background()))
		done := make(chan struct{})
		go func() {
			client.Stop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("Stop did not return on cycle %d", i)
		}
	}
}
