package ingest

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	configpkg "github.com/drblury/flowtrace/internal/runtime/config"
	errspkg "github.com/drblury/flowtrace/internal/runtime/errors"
	loggingpkg "github.com/drblury/flowtrace/internal/runtime/logging"
)

// Gateway exposes the client-facing surface: the websocket endpoint clients
// resume and stream on, a health endpoint with windowed rates, and the
// Prometheus scrape endpoint.
type Gateway struct {
	conf    *configpkg.Config
	service *Service
	logger  loggingpkg.ServiceLogger

	echo     *echo.Echo
	upgrader websocket.Upgrader

	ipMu    sync.Mutex
	ipConns map[string]int
}

func NewGateway(conf *configpkg.Config, service *Service, log loggingpkg.ServiceLogger) *Gateway {
	if log == nil {
		log = loggingpkg.Nop()
	}
	g := &Gateway{
		conf:    conf,
		service: service,
		logger:  log,
		ipConns: make(map[string]int),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomiddleware.Recover())

	e.GET("/ws", g.handleWebSocket)
	e.GET("/healthz", g.handleHealth)
	if conf.MetricsEnabled {
		e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	}
	g.echo = e
	return g
}

// Start serves until the context is cancelled, then shuts down gracefully.
func (g *Gateway) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- g.echo.Start(g.conf.ListenAddress)
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return g.echo.Shutdown(shutdownCtx)
	}
}

func (g *Gateway) handleWebSocket(c echo.Context) error {
	ip := c.RealIP()
	if !g.acquireIPSlot(ip) {
		g.service.Metrics().RateLimited()
		return c.NoContent(http.StatusTooManyRequests)
	}

	conn, err := g.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		g.releaseIPSlot(ip)
		g.logger.Error("websocket upgrade failed", err, loggingpkg.LogFields{"remote_ip": ip})
		return err
	}
	conn.SetReadLimit(int64(g.conf.MaxControlBytes))

	id := uuid.New().String()
	hub := g.service.Hub()
	sess := NewSession(id, conn, SessionOptions{
		QueueCapacity: g.conf.ClientQueueCapacity,
		SendTimeout:   g.conf.ClientSendTimeout,
		LagWindow:     g.conf.ClientLagWindow,
		LagThreshold:  g.conf.ClientLagThreshold,
		Metrics:       g.service.Metrics(),
		Logger:        g.logger,
		OnClose: func(sessionID, reason string) {
			hub.Unregister(sessionID)
			g.releaseIPSlot(ip)
		},
	})
	hub.Register(sess)

	go sess.Run()
	g.readPump(c.Request().Context(), sess, conn)
	return nil
}

// readPump consumes control frames from the client until the connection
// drops. The read limit set on the connection caps frame size before any
// parsing; clients never send binary frames, so one is a protocol breach.
func (g *Gateway) readPump(ctx context.Context, sess *Session, conn *websocket.Conn) {
	defer sess.Close(ReasonClientGone)
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.logger.Debug("client read failed", loggingpkg.LogFields{"session_id": sess.ID(), "error": err.Error()})
			}
			return
		}
		if messageType != websocket.TextMessage {
			violation := &errspkg.ProtocolViolationError{Detail: "unexpected binary frame from client"}
			g.logger.Error("client protocol violation", violation, loggingpkg.LogFields{"session_id": sess.ID()})
			sess.Close(ReasonProtocol)
			return
		}

		msg, err := ParseControl(data, g.conf.MaxControlBytes)
		if err != nil {
			g.logger.Error("rejecting control frame", err, loggingpkg.LogFields{"session_id": sess.ID()})
			sess.Close(ReasonProtocol)
			return
		}

		switch msg.Type {
		case requestResume:
			// Replay runs off the read loop; the epoch bump inside
			// ServeResume invalidates any earlier replay still streaming.
			go g.service.Resumer().ServeResume(ctx, sess, msg)
		case requestCursorReset:
			go g.service.Resumer().ServeCursorReset(ctx, sess)
		default:
			frame := []byte(`{"type":"error","code":"unknown_request","message":"unsupported control frame type"}`)
			sess.EnqueueControl(sess.Epoch(), frame)
		}
	}
}

func (g *Gateway) acquireIPSlot(ip string) bool {
	g.ipMu.Lock()
	defer g.ipMu.Unlock()
	if g.ipConns[ip] >= g.conf.MaxConnectionsPerIP {
		return false
	}
	g.ipConns[ip]++
	return true
}

func (g *Gateway) releaseIPSlot(ip string) {
	g.ipMu.Lock()
	defer g.ipMu.Unlock()
	if g.ipConns[ip] <= 1 {
		delete(g.ipConns, ip)
	} else {
		g.ipConns[ip]--
	}
}

// healthReport is the /healthz response body. Windowed rates sit next to
// recency gauges so alerting can distinguish "broken" from "idle".
type healthReport struct {
	Status string `json:"status"`

	WindowMessages     uint64 `json:"window_messages"`
	WindowDecodeErrors uint64 `json:"window_decode_errors"`
	WindowSendFailures uint64 `json:"window_send_failures"`

	BreakerOpen      bool    `json:"breaker_open"`
	BreakerErrorRate float64 `json:"breaker_error_rate"`

	ConnectedClients int `json:"connected_clients"`

	ReplayMemorySize       int    `json:"replay_memory_size"`
	ReplayEvicted          uint64 `json:"replay_evicted"`
	ReplayExpired          uint64 `json:"replay_expired"`
	ReplayDuplicates       uint64 `json:"replay_duplicates"`
	ReplayWriteDropped     uint64 `json:"replay_write_dropped"`
	ReplayWriteFailures    uint64 `json:"replay_write_failures"`
	SecondsSinceMessage    *int64 `json:"seconds_since_last_message,omitempty"`
	SecondsSinceInfraError *int64 `json:"seconds_since_last_infra_error,omitempty"`
}

func (g *Gateway) handleHealth(c echo.Context) error {
	metrics := g.service.Metrics()
	breaker := g.service.Breaker()
	snapshot := g.service.Store().Snapshot()

	rate, _ := breaker.ErrorRate()
	report := healthReport{
		Status:              "ok",
		WindowMessages:      metrics.WindowMessages.Sum(),
		WindowDecodeErrors:  metrics.WindowDecodeErrors.Sum(),
		WindowSendFailures:  metrics.WindowSendFailures.Sum(),
		BreakerOpen:         breaker.Open(),
		BreakerErrorRate:    rate,
		ConnectedClients:    g.service.Hub().Len(),
		ReplayMemorySize:    snapshot.MemorySize,
		ReplayEvicted:       snapshot.Evicted,
		ReplayExpired:       snapshot.Expired,
		ReplayDuplicates:    snapshot.Duplicates,
		ReplayWriteDropped:  snapshot.SideWriteDropped,
		ReplayWriteFailures: snapshot.SideWriteFailures,
	}
	if age, ok := metrics.LastMessageAge(); ok {
		secs := int64(age.Seconds())
		report.SecondsSinceMessage = &secs
	}
	if age, ok := metrics.LastInfraErrorAge(); ok {
		secs := int64(age.Seconds())
		report.SecondsSinceInfraError = &secs
	}

	status := http.StatusOK
	if report.BreakerOpen {
		report.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, report)
}
