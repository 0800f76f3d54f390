// Package health exposes the upstream connectivity of the relay as
// grpc.health.v1 service.
package health

import (
	"context"
	"fmt"
	"net/http"

	"connectrpc.com/connect"
	"connectrpc.com/grpchealth"
	"connectrpc.com/grpcreflect"
	"connectrpc.com/otelconnect"

	"github.com/mpapenbr/gridscout-relay/log"
)

// ServiceName is reported alongside the overall ("") service
const ServiceName = "gridscout.relay.v1.Relay"

type Connectivity interface {
	Connected() bool
}

type Checker struct {
	conn Connectivity
}

func NewChecker(conn Connectivity) *Checker {
	return &Checker{conn: conn}
}

//nolint:whitespace // can't make both editor and linter happy
func (c *Checker) Check(
	_ context.Context, req *grpchealth.CheckRequest,
) (*grpchealth.CheckResponse, error) {
	switch req.Service {
	case "", ServiceName:
	default:
		return nil, connect.NewError(connect.CodeNotFound,
			fmt.Errorf("unknown service %q", req.Service))
	}
	if c.conn.Connected() {
		return &grpchealth.CheckResponse{Status: grpchealth.StatusServing}, nil
	}
	return &grpchealth.CheckResponse{Status: grpchealth.StatusNotServing}, nil
}

// Register adds the health and reflection handlers to mux
func Register(mux *http.ServeMux, conn Connectivity) {
	var opts []connect.HandlerOption
	if otelInterceptor, err := otelconnect.NewInterceptor(); err == nil {
		opts = append(opts, connect.WithInterceptors(otelInterceptor))
	} else {
		log.Warn("could not create otel interceptor", log.ErrorField(err))
	}
	mux.Handle(grpchealth.NewHandler(NewChecker(conn), opts...))

	reflector := grpcreflect.NewStaticReflector(grpchealth.HealthV1ServiceName)
	mux.Handle(grpcreflect.NewHandlerV1(reflector, opts...))
	mux.Handle(grpcreflect.NewHandlerV1Alpha(reflector, opts...))
}
