package repository

// MessageBus is the outbound event transport. Implementations live under
// internal/transport and are chosen by LEDGERPAY_BUS_PROVIDER.
type MessageBus interface {
	Publish(topic string, data []byte) error
}

// NopBus drops every event; used when no bus is configured.
type NopBus struct{}

func (NopBus) Publish(string, []byte) error { return nil }
