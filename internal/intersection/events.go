package intersection

import (
	"context"
	"fmt"
	"time"

	"github.com/signalsfoundry/intersection-simulator/internal/feed"
	"github.com/signalsfoundry/intersection-simulator/internal/logging"
)

// EventKind classifies feed events.
type EventKind string

const (
	EventSimulationStarted EventKind = "simulation_started"
	EventSimulationStopped EventKind = "simulation_stopped"
	EventCarArrived        EventKind = "car_arrived"
	EventCarCrossing       EventKind = "car_crossing"
	EventCarExited         EventKind = "car_exited"
	EventCarAbandoned      EventKind = "car_abandoned"
	EventLightChanged      EventKind = "light_changed"
)

// Event is one entry of the ordered event feed. Car and light events are
// emitted while the road lock is held, so Phase and Crossing describe the
// road at the moment of the event.
type Event struct {
	Seq      uint64        `json:"seq"`
	Time     time.Time     `json:"time"`
	Kind     EventKind     `json:"kind"`
	RunID    string        `json:"run_id"`
	RoadID   RoadID        `json:"road_id,omitempty"`
	CarID    int           `json:"car_id,omitempty"`
	Phase    LightPhase    `json:"phase"`
	Crossing int           `json:"crossing"`
	Waited   time.Duration `json:"waited_ns,omitempty"`
	Message  string        `json:"message"`
}

func carMessage(kind EventKind, car int, road RoadID) string {
	switch kind {
	case EventCarArrived:
		return fmt.Sprintf("Car %d arrived on %s", car, road)
	case EventCarCrossing:
		return fmt.Sprintf("Car %d started crossing on %s", car, road)
	case EventCarExited:
		return fmt.Sprintf("Car %d finished crossing on %s", car, road)
	case EventCarAbandoned:
		return fmt.Sprintf("Car %d has been waiting too long on %s", car, road)
	default:
		return fmt.Sprintf("Car %d: %s on %s", car, kind, road)
	}
}

func lightMessage(road RoadID, phase LightPhase) string {
	return fmt.Sprintf("%s light turned %s", road, phase)
}

// LogEvents writes every event on sub to log until ctx is done or the feed is
// closed. Light changes are logged at debug level.
func LogEvents(ctx context.Context, sub *feed.Subscription[Event], log logging.Logger) {
	defer sub.Cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			fields := []logging.Field{
				logging.String("kind", string(ev.Kind)),
				logging.Any("seq", ev.Seq),
			}
			if ev.RunID != "" {
				fields = append(fields, logging.String("run_id", ev.RunID))
			}
			if ev.RoadID != 0 {
				fields = append(fields, logging.Int("road", int(ev.RoadID)), logging.String("phase", ev.Phase.String()))
			}
			if ev.CarID != 0 {
				fields = append(fields, logging.Int("car_id", ev.CarID), logging.Int("crossing", ev.Crossing))
			}
			if ev.Waited > 0 {
				fields = append(fields, logging.Float64("waited_s", ev.Waited.Seconds()))
			}
			if ev.Kind == EventLightChanged {
				log.Debug(ctx, ev.Message, fields...)
				continue
			}
			log.Info(ctx, ev.Message, fields...)
		}
	}
}
