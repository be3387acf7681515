package intersection

import "time"

// MetricsRecorder receives simulation measurements. Implementations must be
// safe for concurrent use and must not block; several hooks are invoked while
// a road lock is held.
type MetricsRecorder interface {
	CarSpawned(road int)
	AdmissionEvaluated(road int, reason string)
	CarAdmitted(road int, waited time.Duration)
	CarExited(road int, crossing time.Duration)
	CarAbandoned(road int, waited time.Duration)
	PhaseChanged(road int, phase string)
	SetRoadOccupancy(road int, waiting, crossing int)
	EventsDropped(n int)
}

type noopMetrics struct{}

func (noopMetrics) CarSpawned(int)                  {}
func (noopMetrics) AdmissionEvaluated(int, string)  {}
func (noopMetrics) CarAdmitted(int, time.Duration)  {}
func (noopMetrics) CarExited(int, time.Duration)    {}
func (noopMetrics) CarAbandoned(int, time.Duration) {}
func (noopMetrics) PhaseChanged(int, string)        {}
func (noopMetrics) SetRoadOccupancy(int, int, int)  {}
func (noopMetrics) EventsDropped(int)               {}
