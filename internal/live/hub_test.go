package live_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/mhdhaikalll/IoT-Flood-System/internal/live"
)

var _ = Describe("Hub", func() {
	var (
		hub    *live.Hub
		server *httptest.Server
		cancel  context.CancelFunc
		stopped chan struct{}
		runErr  error
	)

	BeforeEach(func() {
		logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
		hub = live.NewHub(logger, nil)

		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())
		stopped = make(chan struct{})
		go func() {
			runErr = hub.Run(ctx)
			close(stopped)
		}()

		server = httptest.NewServer(hub)
		DeferCleanup(func() {
			cancel()
			Eventually(stopped).Should(BeClosed())
			server.Close()
		})
	})

	dial := func() *websocket.Conn {
		url := "ws" + strings.TrimPrefix(server.URL, "http")
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { _ = conn.Close() })
		Eventually(hub.Clients).Should(BeNumerically(">=", 1))
		return conn
	}

	It("should deliver published events to connected clients", func() {
		conn := dial()
		hub.Publish(live.TypeReading, map[string]any{"node_id": "N1"})

		Expect(conn.SetReadDeadline(time.Now().Add(2 * time.Second))).To(Succeed())
		_, data, err := conn.ReadMessage()
		Expect(err).NotTo(HaveOccurred())

		var env struct {
			Type    string         `json:"type"`
			Payload map[string]any `json:"payload"`
		}
		Expect(json.Unmarshal(data, &env)).To(Succeed())
		Expect(env.Type).To(Equal(live.TypeReading))
		Expect(env.Payload).To(HaveKeyWithValue("node_id", "N1"))
	})

	It("should forget clients that disconnect", func() {
		conn := dial()
		Expect(conn.Close()).To(Succeed())
		Eventually(hub.Clients).Should(BeZero())
	})

	It("should not block publishers without clients", func() {
		for range 1000 {
			hub.Publish(live.TypeAlert, "x")
		}
		Expect(hub.Clients()).To(BeZero())
	})

	It("should close client connections on shutdown", func() {
		conn := dial()
		cancel()
		Eventually(stopped).Should(BeClosed())
		Expect(runErr).NotTo(HaveOccurred())

		Expect(conn.SetReadDeadline(time.Now().Add(2 * time.Second))).To(Succeed())
		_, _, err := conn.ReadMessage()
		Expect(err).To(HaveOccurred())
	})
})
