package meter

import "github.com/ineyio/tokengate"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ tokengate.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnRoute(tokengate.RouteEvent)   {}
func (m *NoopMeter) OnResult(tokengate.ResultEvent) {}

// Multi fans events out to several meters.
type Multi []tokengate.Meter

var _ tokengate.Meter = Multi(nil)

func (m Multi) OnRoute(e tokengate.RouteEvent) {
	for _, mm := range m {
		mm.OnRoute(e)
	}
}

func (m Multi) OnResult(e tokengate.ResultEvent) {
	for _, mm := range m {
		mm.OnResult(e)
	}
}
