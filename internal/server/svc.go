package server

// ChanSvc runs queued functions one at a time on its own goroutine.
type ChanSvc chan func()

// SvcSync runs code on s and waits for its result.
func SvcSync[T any](s ChanSvc, code func() (T, error)) (T, error) {
	result := make(chan struct{})
	var value T
	var err error
	Svc(s, func() {
		defer close(result)
		value, err = code()
	})
	<-result
	return value, err
}

// Svc queues code on s without blocking the caller.
func Svc(s ChanSvc, code func()) {
	go func() {
		defer func() { recover() }() // s closed while queueing
		s <- code
	}()
}

// RunSvc starts the service. Close the channel to stop it.
func RunSvc(s ChanSvc) {
	go func() {
		for cmd := range s {
			cmd()
		}
	}()
}
