package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cuemby/hpcagent/pkg/executor"
	"github.com/cuemby/hpcagent/pkg/log"
	"github.com/cuemby/hpcagent/pkg/metrics"
	"github.com/cuemby/hpcagent/pkg/types"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Request headers read by the node API
const (
	HeaderCallbackURI       = "CallbackURI"
	HeaderAuthenticationKey = "AuthenticationKey"
)

// Space is the only path prefix that serves methods
const Space = "api"

// Executor is the operation surface behind the node API
type Executor interface {
	StartJobAndTask(args types.StartJobAndTaskArgs, callbackURI string) (*types.TaskInfo, error)
	StartTask(args types.StartTaskArgs, callbackURI string) (*types.TaskInfo, error)
	EndJob(args types.EndJobArgs) (*types.JobInfo, error)
	EndTask(args types.EndTaskArgs) (*types.TaskInfo, error)
	Ping(callbackURI string) error
	Metric(callbackURI string) error
	MetricConfig(cfg types.MetricCountersConfig, callbackURI string) error
	PeekTaskOutput(args types.PeekTaskOutputArgs) (string, error)
}

// Config holds API server configuration
type Config struct {
	NodeName string

	// AuthenticationKey, when set, must be sent in the AuthenticationKey
	// header of every method call.
	AuthenticationKey string

	// Debug answers GET on any path with a status document
	Debug bool
}

type methodFunc func(body []byte, callbackURI string) (any, error)

// errBadRequest marks request bodies that could not be decoded
var errBadRequest = errors.New("malformed request body")

// Server serves the node API over HTTP
type Server struct {
	cfg     Config
	exec    Executor
	echo    *echo.Echo
	server  *http.Server
	methods map[string]methodFunc
	logger  zerolog.Logger
}

// NewServer creates the API server and registers every route
func NewServer(cfg Config, exec Executor) *Server {
	s := &Server{
		cfg:    cfg,
		exec:   exec,
		echo:   echo.New(),
		logger: log.WithComponent("api"),
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.methods = s.methodTable()

	s.echo.Use(s.requestLogger)
	registerHealthRoutes(s.echo)

	s.echo.POST("/:space/:node/:method", s.dispatch, authenticate(cfg.AuthenticationKey))
	if cfg.Debug {
		s.echo.GET("/*", func(c echo.Context) error {
			return c.JSON(http.StatusOK, map[string]string{"status": "node manager working"})
		})
	}

	metrics.RegisterComponent("api", false, "not listening")
	return s
}

// Handler returns the HTTP handler for embedding in other servers
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Serve accepts connections on l until Shutdown
func (s *Server) Serve(l net.Listener) error {
	s.server = &http.Server{
		Handler:      s.echo,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	metrics.UpdateComponent("api", true, "")
	s.logger.Info().Str("address", l.Addr().String()).Msg("Node API listening")

	err := s.server.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	metrics.UpdateComponent("api", false, err.Error())
	return err
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	metrics.UpdateComponent("api", false, "shutting down")
	return s.server.Shutdown(ctx)
}

func (s *Server) methodTable() map[string]methodFunc {
	return map[string]methodFunc{
		"startjobandtask": func(body []byte, cb string) (any, error) {
			args, err := decode[types.StartJobAndTaskArgs](body)
			if err != nil {
				return nil, err
			}
			return s.exec.StartJobAndTask(args, cb)
		},
		"starttask": func(body []byte, cb string) (any, error) {
			args, err := decode[types.StartTaskArgs](body)
			if err != nil {
				return nil, err
			}
			return s.exec.StartTask(args, cb)
		},
		"endjob": func(body []byte, _ string) (any, error) {
			args, err := decode[types.EndJobArgs](body)
			if err != nil {
				return nil, err
			}
			return s.exec.EndJob(args)
		},
		"endtask": func(body []byte, _ string) (any, error) {
			args, err := decode[types.EndTaskArgs](body)
			if err != nil {
				return nil, err
			}
			return s.exec.EndTask(args)
		},
		"ping": func(_ []byte, cb string) (any, error) {
			return nil, s.exec.Ping(cb)
		},
		"metric": func(_ []byte, cb string) (any, error) {
			return nil, s.exec.Metric(cb)
		},
		"metricconfig": func(body []byte, cb string) (any, error) {
			cfg, err := decode[types.MetricCountersConfig](body)
			if err != nil {
				return nil, err
			}
			return nil, s.exec.MetricConfig(cfg, cb)
		},
		"peektaskoutput": func(body []byte, _ string) (any, error) {
			args, err := decode[types.PeekTaskOutputArgs](body)
			if err != nil {
				return nil, err
			}
			return s.exec.PeekTaskOutput(args)
		},
	}
}

// decode reads a JSON body; an empty body decodes to the zero value
func decode[T any](body []byte) (T, error) {
	var v T
	if len(strings.TrimSpace(string(body))) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return v, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return v, nil
}

func (s *Server) dispatch(c echo.Context) error {
	if c.Param("space") != Space {
		return c.JSON(http.StatusNotFound, errorBody("unknown path"))
	}

	name := strings.ToLower(c.Param("method"))
	method, ok := s.methods[name]
	if !ok {
		return c.JSON(http.StatusNotFound, errorBody("unknown method "+name))
	}

	if node := c.Param("node"); s.cfg.NodeName != "" && !strings.EqualFold(node, s.cfg.NodeName) {
		s.logger.Debug().Str("node", node).Str("method", name).Msg("Request addressed to another node name")
	}

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody(err.Error()))
	}

	callbackURI := c.Request().Header.Get(HeaderCallbackURI)
	result, err := method(body, callbackURI)
	switch {
	case err == nil:
	case errors.Is(err, errBadRequest), errors.Is(err, executor.ErrInvalidArgs):
		return c.JSON(http.StatusBadRequest, errorBody(err.Error()))
	default:
		s.logger.Error().Err(err).Str("method", name).Msg("Method failed")
		return c.JSON(http.StatusInternalServerError, errorBody(err.Error()))
	}

	return c.JSON(http.StatusOK, result)
}

type errorResponse struct {
	Error string `json:"error"`
}

func errorBody(msg string) errorResponse {
	return errorResponse{Error: msg}
}
