package control

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/lexiqai/caption-gateway/internal/capture"
	"github.com/lexiqai/caption-gateway/internal/observability"
)

// CaptureService is the gRPC health service name that is SERVING while a
// session is capturing
const CaptureService = "captions.Capture"

// HealthReporter publishes the capture state over grpc.health.v1
type HealthReporter struct {
	server *health.Server
}

// NewHealthReporter creates a reporter. The process itself ("") is always
// SERVING; CaptureService starts NOT_SERVING.
func NewHealthReporter() *HealthReporter {
	hs := health.NewServer()
	hs.SetServingStatus(CaptureService, healthpb.HealthCheckResponse_NOT_SERVING)
	return &HealthReporter{server: hs}
}

// Register adds the health service to s
func (h *HealthReporter) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.server)
}

// Shutdown marks every service NOT_SERVING
func (h *HealthReporter) Shutdown() { h.server.Shutdown() }

func (h *HealthReporter) OnStatusChange(st capture.Status) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if st.State == capture.StateCapturing {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.server.SetServingStatus(CaptureService, status)
}

func (h *HealthReporter) OnTranscript(string, bool) {}

func (h *HealthReporter) OnWarning(string) {}

// Fanout delivers notifications to several observers in order. A panicking
// observer is logged and skipped; the others still get the notification.
type Fanout []capture.Observer

func (f Fanout) OnTranscript(text string, isFinal bool) {
	f.each(func(o capture.Observer) { o.OnTranscript(text, isFinal) })
}

func (f Fanout) OnStatusChange(st capture.Status) {
	f.each(func(o capture.Observer) { o.OnStatusChange(st) })
}

func (f Fanout) OnWarning(text string) {
	f.each(func(o capture.Observer) { o.OnWarning(text) })
}

func (f Fanout) each(fn func(capture.Observer)) {
	for i, o := range f {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger := observability.Component("control")
					logger.Error().Int("observer", i).Interface("panic", r).Msg("Observer panicked")
					observability.RecordWarning("sink_observer")
				}
			}()
			fn(o)
		}()
	}
}
