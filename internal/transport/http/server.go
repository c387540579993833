// Package http provides the HTTP server of the research service.
package http

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/xiaot623/gogo/research/internal/logger"
	"github.com/xiaot623/gogo/research/internal/service"
	v1 "github.com/xiaot623/gogo/research/internal/transport/http/v1"
	"github.com/xiaot623/gogo/research/internal/transport/ws"
)

// NewServer creates the public HTTP server: the chat stream, history and
// file proxy routes, and the websocket watch endpoint when wsServer is set.
func NewServer(svc *service.Service, wsServer *ws.Server, log *logger.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(requestLogger(log))
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		ExposeHeaders: []string{v1.HeaderDataStream, v1.HeaderRunID, v1.HeaderSessionID},
	}))

	v1.NewHandler(svc, log).RegisterRoutes(e)
	if wsServer != nil {
		e.GET("/ws", wsServer.HandleWebSocket)
	}

	return e
}

func requestLogger(log *logger.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogError:     true,
		LogRemoteIP:  true,
		HandleError:  true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.String("remote_ip", v.RemoteIP),
			}
			if v.RequestID != "" {
				fields = append(fields, zap.String("request_id", v.RequestID))
			}
			if v.Error != nil {
				log.Error("request failed", append(fields, zap.Error(v.Error))...)
				return nil
			}
			log.Info("request", fields...)
			return nil
		},
	})
}
