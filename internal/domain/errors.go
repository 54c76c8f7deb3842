package domain

import "fmt"

// ErrPoolExhausted is returned when no port in the configured range could be
// leased after every allocation attempt.
type ErrPoolExhausted struct {
	Start    int
	End      int
	Attempts int
}

func (e ErrPoolExhausted) Error() string {
	return fmt.Sprintf("no free port in range %d-%d after %d attempts", e.Start, e.End, e.Attempts)
}

// ErrLaunch wraps a browser launch failure on a leased port. By the time it
// is returned the port has already been released.
type ErrLaunch struct {
	Port int
	Err  error
}

func (e ErrLaunch) Error() string {
	return fmt.Sprintf("launch browser on port %d: %v", e.Port, e.Err)
}

func (e ErrLaunch) Unwrap() error {
	return e.Err
}

type ErrInstanceNotFound struct {
	ID string
}

func (e ErrInstanceNotFound) Error() string {
	return fmt.Sprintf("instance %s not found", e.ID)
}

// ErrClose reports that a browser process did not close cleanly. It never
// fails a terminate; it is carried as a diagnostic.
type ErrClose struct {
	ID  string
	Err error
}

func (e ErrClose) Error() string {
	return fmt.Sprintf("close instance %s: %v", e.ID, e.Err)
}

func (e ErrClose) Unwrap() error {
	return e.Err
}

type ErrShuttingDown struct{}

func (e ErrShuttingDown) Error() string {
	return "service is shutting down"
}
