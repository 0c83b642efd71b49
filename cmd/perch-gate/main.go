// perch-gate exposes a seat reservation engine over HTTP. With
// PERCH_REDIS_ADDR set it runs the full Redis preset; without it the whole
// stack runs in process memory, which is enough for local development.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/perchlock/go-perch/v1/metrics"
	"github.com/perchlock/go-perch/v1/presets"
	"github.com/perchlock/go-perch/v1/seats"
	"github.com/perchlock/go-perch/v1/watchbus"
)

type config struct {
	Addr              string
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	ReservationWindow time.Duration
	SweepInterval     time.Duration
	SnapshotCacheSize int64
	LockOwner         string
}

func loadConfig() config {
	cfg := config{
		Addr:          getenv("PERCH_ADDR", ":8080"),
		RedisAddr:     os.Getenv("PERCH_REDIS_ADDR"),
		RedisPassword: os.Getenv("PERCH_REDIS_PASSWORD"),
		SweepInterval: 30 * time.Second,
		LockOwner:     os.Getenv("PERCH_LOCK_OWNER"),
	}
	if v := os.Getenv("PERCH_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RedisDB = n
		}
	}
	if v := os.Getenv("PERCH_RESERVATION_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ReservationWindow = d
		}
	}
	if v := os.Getenv("PERCH_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SweepInterval = d
		}
	}
	if v := os.Getenv("PERCH_SNAPSHOT_CACHE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.SnapshotCacheSize = n
		}
	}
	if cfg.LockOwner == "" {
		cfg.LockOwner, _ = os.Hostname()
	}
	return cfg
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

type gate struct {
	perch *presets.Perch
	reg   *prometheus.Registry
}

func main() {
	_ = godotenv.Load()
	cfg := loadConfig()

	reg := metrics.NewRegistry()
	metrics.RegisterCoreMetrics(reg)

	var (
		p   *presets.Perch
		err error
	)
	if cfg.RedisAddr != "" {
		p, err = presets.NewRedisEngine(presets.RedisOptions{
			Addr:              cfg.RedisAddr,
			Password:          cfg.RedisPassword,
			DB:                cfg.RedisDB,
			ReservationWindow: cfg.ReservationWindow,
			SnapshotCacheSize: cfg.SnapshotCacheSize,
			LockOwner:         cfg.LockOwner,
			Metrics:           reg,
		})
		if err != nil {
			slog.Error("perch: gate startup failed", "err", err)
			os.Exit(1)
		}
		slog.Info("perch: gate using redis", "addr", cfg.RedisAddr)
	} else {
		p = presets.NewStandalone()
		slog.Info("perch: gate running standalone, no redis configured")
	}
	defer p.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.SweepInterval > 0 {
		go p.Engine.Sweeper(cfg.SweepInterval).Run(ctx)
	}

	g := &gate{perch: p, reg: reg}
	e := echo.New()
	e.HideBanner = true
	e.Use(requestLog)
	g.register(e)

	go func() {
		if err := e.Start(cfg.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("perch: gate server", "err", err)
			stop()
		}
	}()
	slog.Info("perch: gate listening", "addr", cfg.Addr)

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		slog.Error("perch: gate shutdown", "err", err)
	}
}

func (g *gate) register(e *echo.Echo) {
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(g.reg, promhttp.HandlerOpts{})))

	v1 := e.Group("/v1")
	v1.POST("/flights", g.createFlight)
	v1.GET("/flights", g.listFlights)
	v1.GET("/flights/:id", g.seatMap)
	v1.GET("/flights/:id/availability", g.availability)
	v1.GET("/flights/:id/seats/:seat", g.seatAvailable)
	v1.POST("/flights/:id/seats/:seat/reserve", g.reserve)
	v1.POST("/flights/:id/seats/:seat/confirm", g.confirm)
	v1.DELETE("/flights/:id/seats/:seat", g.cancel)
	v1.POST("/flights/:id/reclaim", g.reclaim)
	v1.GET("/flights/:id/watch", g.watchFlight)
	v1.GET("/watch", echo.WrapHandler(watchbus.SSEHandler(g.perch.Feed)))
	v1.GET("/board", g.board)
}

func (g *gate) createFlight(c echo.Context) error {
	var body struct {
		FlightID string       `json:"flight_id"`
		Layout   seats.Layout `json:"layout"`
		Blocked  []int        `json:"blocked,omitempty"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if body.FlightID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "flight_id is required"})
	}
	if err := body.Layout.Validate(); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}
	snap, err := g.perch.Engine.CreateFlightSeating(c.Request().Context(), body.FlightID, body.Layout, body.Blocked)
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusCreated, snap)
}

func (g *gate) listFlights(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{"flights": g.perch.Engine.Flights()})
}

func (g *gate) seatMap(c echo.Context) error {
	snap, err := g.perch.Engine.Snapshot(c.Request().Context(), c.Param("id"))
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (g *gate) availability(c echo.Context) error {
	var seatNums []int
	if raw := c.QueryParam("seats"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			n, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil {
				return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid seats parameter"})
			}
			seatNums = append(seatNums, n)
		}
	}
	avail, err := g.perch.Engine.BulkAvailability(c.Request().Context(), c.Param("id"), seatNums)
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"flight_id": c.Param("id"), "seats": avail})
}

func (g *gate) seatAvailable(c echo.Context) error {
	seat, err := seatParam(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid seat number"})
	}
	ok, err := g.perch.Engine.IsAvailable(c.Request().Context(), c.Param("id"), seat)
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"seat": seat, "available": ok})
}

func (g *gate) reserve(c echo.Context) error {
	seat, err := seatParam(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid seat number"})
	}
	var body struct {
		UserID string `json:"user_id"`
		WaitMS int    `json:"wait_ms"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if body.UserID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "user_id is required"})
	}
	wait := time.Duration(body.WaitMS) * time.Millisecond
	res, err := g.perch.Engine.Reserve(c.Request().Context(), c.Param("id"), seat, body.UserID, wait)
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusCreated, res)
}

func (g *gate) confirm(c echo.Context) error {
	seat, err := seatParam(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid seat number"})
	}
	var body struct {
		UserID    string `json:"user_id"`
		BookingID string `json:"booking_id"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if body.UserID == "" || body.BookingID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "user_id and booking_id are required"})
	}
	if err := g.perch.Engine.Confirm(c.Request().Context(), c.Param("id"), seat, body.UserID, body.BookingID); err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"booking_id": body.BookingID, "seat": seat})
}

func (g *gate) cancel(c echo.Context) error {
	seat, err := seatParam(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid seat number"})
	}
	userID := c.QueryParam("user_id")
	if userID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "user_id is required"})
	}
	released, err := g.perch.Engine.Cancel(c.Request().Context(), c.Param("id"), seat, userID)
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"released": released})
}

func (g *gate) reclaim(c echo.Context) error {
	reclaimed, err := g.perch.Engine.ReclaimExpired(c.Request().Context(), c.Param("id"))
	if err != nil {
		return jsonError(c, err)
	}
	if reclaimed == nil {
		reclaimed = []int{}
	}
	return c.JSON(http.StatusOK, echo.Map{"reclaimed": reclaimed})
}

// watchFlight streams seat-map snapshots as server-sent events until the
// client disconnects.
func (g *gate) watchFlight(c echo.Context) error {
	ch, err := g.perch.Engine.Watch(c.Request().Context(), c.Param("id"))
	if err != nil {
		return jsonError(c, err)
	}
	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	w.Flush()
	for snap := range ch {
		data, err := json.Marshal(snap)
		if err != nil {
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return nil
		}
		w.Flush()
	}
	return nil
}

func (g *gate) board(c echo.Context) error {
	n := int64(10)
	if raw := c.QueryParam("n"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid n parameter"})
		}
		n = parsed
	}
	top, err := g.perch.Board.Top(c.Request().Context(), n)
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"flights": top})
}

func seatParam(c echo.Context) (int, error) {
	return strconv.Atoi(c.Param("seat"))
}

func jsonError(c echo.Context, err error) error {
	return c.JSON(httpStatus(err), echo.Map{"error": err.Error()})
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, seats.ErrUnknownFlight), errors.Is(err, seats.ErrNoReservation):
		return http.StatusNotFound
	case errors.Is(err, seats.ErrBadSeat):
		return http.StatusBadRequest
	case errors.Is(err, seats.ErrSeatUnavailable), errors.Is(err, seats.ErrLockTimeout):
		return http.StatusConflict
	case errors.Is(err, seats.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, seats.ErrReservationExpired):
		return http.StatusGone
	case errors.Is(err, seats.ErrNoFeed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func requestLog(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		slog.Info("perch: http request",
			"method", c.Request().Method,
			"path", c.Request().URL.Path,
			"status", c.Response().Status,
			"elapsed", time.Since(start),
		)
		return err
	}
}
