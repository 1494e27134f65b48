package nats

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/pscheid92/sessionlock/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var testNATSURL string

func TestMain(m *testing.M) {
	flag.Parse()

	if testing.Short() {
		os.Exit(m.Run())
	}

	os.Exit(runWithContainer(m))
}

func runWithContainer(m *testing.M) int {
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "nats:2-alpine",
			ExposedPorts: []string{"4222/tcp"},
			WaitingFor:   wait.ForLog("Server is ready").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start nats container: %v\n", err)
		return 1
	}
	defer func() {
		if err := container.Terminate(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "failed to terminate nats container: %v\n", err)
		}
	}()

	endpoint, err := container.PortEndpoint(ctx, "4222/tcp", "nats")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get nats endpoint: %v\n", err)
		return 1
	}
	testNATSURL = endpoint

	return m.Run()
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "sessionlock.notices", Subject("sessionlock"))
}

func TestDecodeNotice(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{"valid", `{"id":"n1","kind":"lease","sender":{"deviceId":"d","tabId":"t"},"sentAt":1}`, false},
		{"missing kind", `{"id":"n1","sender":{"deviceId":"d","tabId":"t"}}`, true},
		{"missing sender", `{"id":"n1","kind":"session"}`, true},
		{"not json", `lease`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := decodeNotice([]byte(tt.payload))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, domain.NoticeLease, n.Kind)
			assert.Equal(t, "t", n.Sender.TabID)
		})
	}
}

func TestBroadcast_PublishSubscribe(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	pub, err := Connect(testNATSURL)
	require.NoError(t, err)
	defer pub.Close()
	sub, err := Connect(testNATSURL)
	require.NoError(t, err)
	defer sub.Close()

	ctx := context.Background()
	var (
		mu       sync.Mutex
		received []domain.LeaseNotice
	)
	stop, err := NewBroadcast(sub, "test").Subscribe(ctx, func(n domain.LeaseNotice) {
		mu.Lock()
		received = append(received, n)
		mu.Unlock()
	})
	require.NoError(t, err)

	sender := domain.Owner{DeviceID: "dev", TabID: "tab-a"}
	require.NoError(t, NewBroadcast(pub, "other").Publish(ctx, domain.LeaseNotice{ID: "x", Kind: domain.NoticeLease, Sender: sender}))
	require.NoError(t, NewBroadcast(pub, "test").Publish(ctx, domain.LeaseNotice{ID: "n1", Kind: domain.NoticeSession, Sender: sender}))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, "n1", received[0].ID)
	assert.Equal(t, sender, received[0].Sender)
	mu.Unlock()

	stop()
	stop()
}
