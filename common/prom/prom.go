// Package prom serves the prometheus metrics endpoint on the first free port of a range
package prom

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"emperror.dev/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var logger = logrus.WithField("p", "prom")

type Server struct {
	ListenAddr string
	Ports      []int

	// Bound is called with the address once the server is listening
	Bound func(addr string)
}

// NewServer parses portRange ("6001-6100" or "6001") and returns a server trying those ports in order
func NewServer(listenAddr, portRange string) (*Server, error) {
	ports, err := ParseRange(portRange)
	if err != nil {
		return nil, err
	}

	return &Server{
		ListenAddr: listenAddr,
		Ports:      ports,
	}, nil
}

// Run serves /metrics until ctx is done. If no ports are configured it returns immediately.
func (s *Server) Run(ctx context.Context) {
	if len(s.Ports) == 0 {
		logger.Warn("No prom ports defined, not launching prom server")
		return
	}

	logger.Infof("Using port range %v", s.Ports)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	for {
		for _, p := range s.Ports {
			listenAddr := net.JoinHostPort(s.ListenAddr, strconv.Itoa(p))
			logger.Infof("Attempting to start prom server on %s", listenAddr)

			err := s.serve(ctx, listenAddr, mux)
			if ctx.Err() != nil {
				return
			}
			logger.WithError(err).Warn("failed starting prom server, trying another port")

			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *Server) serve(ctx context.Context, listenAddr string, handler http.Handler) error {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return errors.WithStackIf(err)
	}

	if s.Bound != nil {
		s.Bound(ln.Addr().String())
	}

	srv := &http.Server{Handler: handler}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	err = srv.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return errors.WithStackIf(err)
}

// ParseRange parses "a-b" into every port from a to b inclusive, or a single port
func ParseRange(in string) ([]int, error) {
	in = strings.TrimSpace(in)
	if in == "" {
		return nil, nil
	}

	if !strings.Contains(in, "-") {
		n, err := strconv.Atoi(in)
		if err != nil {
			return nil, errors.WithStackIf(err)
		}

		return []int{n}, nil
	}

	split := strings.SplitN(in, "-", 2)
	parsedStart, err := strconv.Atoi(split[0])
	if err != nil {
		return nil, errors.WithStackIf(err)
	}

	parsedEnd, err := strconv.Atoi(split[1])
	if err != nil {
		return nil, errors.WithStackIf(err)
	}

	if parsedEnd < parsedStart {
		return nil, errors.Errorf("invalid port range %q", in)
	}

	result := make([]int, 0, parsedEnd-parsedStart+1)
	for i := parsedStart; i <= parsedEnd; i++ {
		result = append(result, i)
	}

	return result, nil
}

// FormatPorts formats a port list back into range form, mostly for logging
func FormatPorts(ports []int) string {
	if len(ports) == 0 {
		return ""
	}
	if len(ports) == 1 {
		return strconv.Itoa(ports[0])
	}
	return fmt.Sprintf("%d-%d", ports[0], ports[len(ports)-1])
}
