// Package healthsrv reports attached LTO Flash peripherals through the standard
// gRPC health service.
package healthsrv

import (
	"log"
	"net"
	"sync"

	"ltoflash/peripheral"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Service is SERVING while at least one matching peripheral is attached.
const Service = "ltoflash"

// ServiceName is the per-port service of a peripheral attached on port.
func ServiceName(port string) string { return Service + "/" + port }

// Server is a peripheral.Observer publishing serving states.
type Server struct {
	// Match selects the peripherals reported; nil reports all of them.
	Match func(p peripheral.Peripheral) bool

	health *health.Server
	grpc   *grpc.Server

	mu    sync.Mutex
	ports map[string]int
}

var _ peripheral.Observer = (*Server)(nil)

func New() *Server {
	s := &Server{
		health: health.NewServer(),
		grpc:   grpc.NewServer(),
		ports:  make(map[string]int),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)
	s.health.SetServingStatus(Service, healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Serve accepts health checks on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	log.Printf("healthsrv: listening on %s\n", lis.Addr())
	return s.grpc.Serve(lis)
}

func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

func (s *Server) PeripheralAdded(p peripheral.Peripheral) {
	if s.Match != nil && !s.Match(p) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range p.Connections() {
		s.ports[c.Name()]++
		s.health.SetServingStatus(ServiceName(c.Name()), healthpb.HealthCheckResponse_SERVING)
	}
	s.update()
}

func (s *Server) PeripheralRemoved(p peripheral.Peripheral) {
	if s.Match != nil && !s.Match(p) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range p.Connections() {
		name := c.Name()
		if s.ports[name] == 0 {
			continue
		}
		if s.ports[name]--; s.ports[name] == 0 {
			delete(s.ports, name)
			s.health.SetServingStatus(ServiceName(name), healthpb.HealthCheckResponse_NOT_SERVING)
		}
	}
	s.update()
}

func (s *Server) update() {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if len(s.ports) > 0 {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(Service, status)
}
