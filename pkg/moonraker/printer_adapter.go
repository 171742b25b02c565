package moonraker

import (
	"sort"
	"strings"
	"sync"
)

// StatusProvider returns the full status of a printer object.
type StatusProvider func() map[string]any

// CommandHandler runs one G-code line. args holds the upper-cased
// parameter letters of the line (X, Y, F, P, ...) mapped to their raw
// values.
type CommandHandler func(args map[string]string) error

// PrinterAdapter assembles a Printer from status providers and per-command
// handlers.
type PrinterAdapter struct {
	mu        sync.RWMutex
	providers map[string]StatusProvider
	commands  map[string]CommandHandler
	state     func() string
	estop     func()
}

// NewPrinterAdapter creates an empty adapter in the ready state.
func NewPrinterAdapter() *PrinterAdapter {
	return &PrinterAdapter{
		providers: make(map[string]StatusProvider),
		commands:  make(map[string]CommandHandler),
	}
}

// RegisterStatusProvider exposes an object.
func (pa *PrinterAdapter) RegisterStatusProvider(name string, provider StatusProvider) {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	pa.providers[name] = provider
}

// RegisterCommand handles a G-code command, matched case-insensitively.
func (pa *PrinterAdapter) RegisterCommand(name string, handler CommandHandler) {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	pa.commands[strings.ToUpper(name)] = handler
}

// SetKlippyStateGetter sets the state source.
func (pa *PrinterAdapter) SetKlippyStateGetter(getter func() string) {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	pa.state = getter
}

// SetEmergencyStopHandler sets the emergency stop handler.
func (pa *PrinterAdapter) SetEmergencyStopHandler(handler func()) {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	pa.estop = handler
}

// GetObjectsList implements Printer.
func (pa *PrinterAdapter) GetObjectsList() []string {
	pa.mu.RLock()
	defer pa.mu.RUnlock()
	objects := make([]string, 0, len(pa.providers))
	for name := range pa.providers {
		objects = append(objects, name)
	}
	sort.Strings(objects)
	return objects
}

// GetObjectStatus implements Printer.
func (pa *PrinterAdapter) GetObjectStatus(name string, attrs []string) map[string]any {
	pa.mu.RLock()
	provider, ok := pa.providers[name]
	pa.mu.RUnlock()
	if !ok {
		return nil
	}
	return FilterStatus(provider(), attrs)
}

// ExecuteGCode implements Printer. Lines run in order and the first
// failing line stops the script.
func (pa *PrinterAdapter) ExecuteGCode(script string) error {
	for _, line := range strings.Split(script, "\n") {
		if i := strings.IndexByte(line, ';'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		cmd := strings.ToUpper(fields[0])

		pa.mu.RLock()
		handler, ok := pa.commands[cmd]
		pa.mu.RUnlock()
		if !ok {
			return &UnknownCommandError{Command: fields[0]}
		}
		if err := handler(parseArgs(fields[1:])); err != nil {
			return err
		}
	}
	return nil
}

// parseArgs accepts both G-code style (X10) and extended (KEY=value)
// parameters.
func parseArgs(fields []string) map[string]string {
	args := make(map[string]string, len(fields))
	for _, f := range fields {
		if k, v, ok := strings.Cut(f, "="); ok {
			args[strings.ToUpper(k)] = v
			continue
		}
		args[strings.ToUpper(f[:1])] = f[1:]
	}
	return args
}

// EmergencyStop implements Printer.
func (pa *PrinterAdapter) EmergencyStop() {
	pa.mu.RLock()
	handler := pa.estop
	pa.mu.RUnlock()
	if handler != nil {
		handler()
	}
}

// GetKlippyState implements Printer.
func (pa *PrinterAdapter) GetKlippyState() string {
	pa.mu.RLock()
	getter := pa.state
	pa.mu.RUnlock()
	if getter != nil {
		return getter()
	}
	return "ready"
}

// UnknownCommandError is returned for a command with no handler.
type UnknownCommandError struct {
	Command string
}

func (e *UnknownCommandError) Error() string {
	return "Unknown command:\"" + strings.ToUpper(e.Command) + "\""
}

// FilterStatus keeps only attrs of status. No attrs keeps everything.
func FilterStatus(status map[string]any, attrs []string) map[string]any {
	if len(attrs) == 0 || status == nil {
		return status
	}
	filtered := make(map[string]any, len(attrs))
	for _, attr := range attrs {
		if val, ok := status[attr]; ok {
			filtered[attr] = val
		}
	}
	return filtered
}
