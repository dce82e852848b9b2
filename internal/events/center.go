package events

import "sync"

// Token identifies an observation registered with an EventCenter.
type Token int64

type observation struct {
	name     string
	listener Listener
}

// EventCenter relays named host notifications to observers.
// Observers receive (name, object, userInfo).
type EventCenter struct {
	*EventEmitter

	mu           sync.Mutex
	next         Token
	observations map[Token]observation
}

// NewEventCenter returns an empty notification center.
func NewEventCenter() *EventCenter {
	return &EventCenter{
		EventEmitter: New(),
		observations: make(map[Token]observation),
	}
}

// Observe registers listener for notifications called name.
func (c *EventCenter) Observe(name string, listener Listener) Token {
	c.mu.Lock()
	c.next++
	token := c.next
	c.observations[token] = observation{name: name, listener: listener}
	c.mu.Unlock()

	c.On(name, listener)
	return token
}

// Unobserve removes the observation for token. It reports whether one existed.
func (c *EventCenter) Unobserve(token Token) bool {
	c.mu.Lock()
	obs, ok := c.observations[token]
	delete(c.observations, token)
	c.mu.Unlock()

	if ok {
		c.RemoveListener(obs.name, obs.listener)
	}
	return ok
}

// Observations returns the number of active observations.
func (c *EventCenter) Observations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.observations)
}

// Post delivers a notification to the observers of name.
func (c *EventCenter) Post(name string, object any, userInfo map[string]any) (bool, error) {
	return c.Emit(name, name, object, userInfo)
}
