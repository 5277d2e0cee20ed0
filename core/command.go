package core

import (
	"errors"
	"sync"
)

// CommandHandler decodes its own arguments from the frame payload and
// executes the command. The slice pointer advances as fields are decoded.
type CommandHandler func(data *[]byte) error

// Command represents one console message type. Entries with a handler are
// host->MCU commands; entries without one are MCU->host responses.
type Command struct {
	ID      uint16
	Name    string
	Format  string // argument layout, e.g. "oid=%c pin=%u"
	Handler CommandHandler
}

// CommandRegistry assigns wire IDs to message types in registration order.
// The host learns the same numbering from the identify dictionary, so the
// numbering is stable for the life of a build.
type CommandRegistry struct {
	mu       sync.RWMutex
	commands map[uint16]*Command
	nameToID map[string]uint16
	nextID   uint16
}

var globalRegistry = NewCommandRegistry()

// NewCommandRegistry creates an empty registry.
func NewCommandRegistry() *CommandRegistry {
	return &CommandRegistry{
		commands: make(map[uint16]*Command),
		nameToID: make(map[string]uint16),
	}
}

// RegisterCommand registers a command handler on the global registry.
// Modules call this from their Init*Commands functions during boot.
func RegisterCommand(name string, format string, handler CommandHandler) uint16 {
	return globalRegistry.Register(name, format, handler)
}

// RegisterResponse registers an MCU->host message on the global registry.
// Responses carry no handler; dispatching one is an error.
func RegisterResponse(name string, format string) uint16 {
	return globalRegistry.Register(name, format, nil)
}

// Register adds a message type and returns its wire ID. Registering the
// same name again returns the original ID.
func (r *CommandRegistry) Register(name string, format string, handler CommandHandler) uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, exists := r.nameToID[name]; exists {
		return id
	}

	id := r.nextID
	r.nextID++

	r.commands[id] = &Command{
		ID:      id,
		Name:    name,
		Format:  format,
		Handler: handler,
	}
	r.nameToID[name] = id

	return id
}

// GetCommand retrieves a message type by wire ID.
func (r *CommandRegistry) GetCommand(id uint16) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.commands[id]
	return cmd, ok
}

// GetCommandByName retrieves a message type by name.
func (r *CommandRegistry) GetCommandByName(name string) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.nameToID[name]
	if !ok {
		return nil, false
	}
	return r.commands[id], true
}

// Count returns the number of registered message types.
func (r *CommandRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.commands)
}

// Dispatch runs the handler registered for cmdID.
func (r *CommandRegistry) Dispatch(cmdID uint16, data *[]byte) error {
	cmd, ok := r.GetCommand(cmdID)
	if !ok {
		return errors.New("unknown command ID: " + itoa(int(cmdID)))
	}
	if cmd.Handler == nil {
		// A response ID arrived from the host; responses carry no handler
		return errors.New("not a command: " + cmd.Name)
	}

	return cmd.Handler(data)
}

// GetCommandsAndResponses splits the registry into host->MCU commands and
// MCU->host responses for the identify dictionary. Each entry maps the full
// format string ("name arg=%u") to its wire ID.
func (r *CommandRegistry) GetCommandsAndResponses() (map[string]int, map[string]int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	commands := make(map[string]int)
	responses := make(map[string]int)

	for i := uint16(0); i < r.nextID; i++ {
		cmd, ok := r.commands[i]
		if !ok {
			continue
		}
		formatStr := cmd.Name
		if cmd.Format != "" {
			formatStr = cmd.Name + " " + cmd.Format
		}
		if cmd.Handler != nil {
			commands[formatStr] = int(cmd.ID)
		} else {
			responses[formatStr] = int(cmd.ID)
		}
	}

	return commands, responses
}

// FormatList returns a newline-separated listing of every registered
// message with its format, for debug output.
func (r *CommandRegistry) FormatList() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := ""
	for i := uint16(0); i < r.nextID; i++ {
		cmd, ok := r.commands[i]
		if !ok {
			continue
		}
		if cmd.Format != "" {
			list += cmd.Name + " " + cmd.Format + "\n"
		} else {
			list += cmd.Name + "\n"
		}
	}
	return list
}

// DispatchCommand runs a handler on the global registry.
func DispatchCommand(cmdID uint16, data *[]byte) error {
	return globalRegistry.Dispatch(cmdID, data)
}

// GetGlobalRegistry returns the global command registry.
func GetGlobalRegistry() *CommandRegistry {
	return globalRegistry
}
