package core

import (
	"bytes"
	"sync"

	"goflight/tinycompress"
)

// Constant is a named value published to the host through the
// dictionary.
type Constant struct {
	Name  string
	Value interface{} // string or any integer width
}

// Enumeration maps symbolic names, pin names for example, to their wire
// values.
type Enumeration struct {
	Name   string
	Values []string
}

// Dictionary manages the data dictionary sent to the host
type Dictionary struct {
	mu            sync.RWMutex
	constants     map[string]*Constant
	enumerations  map[string]*Enumeration
	commandReg    *CommandRegistry
	version       string
	buildVersions string
	cachedDict    []byte // Cached compressed dictionary
}

var globalDictionary = NewDictionary(globalRegistry)

// NewDictionary returns an empty dictionary bound to a command registry.
func NewDictionary(cmdReg *CommandRegistry) *Dictionary {
	return &Dictionary{
		constants:     make(map[string]*Constant),
		enumerations:  make(map[string]*Enumeration),
		commandReg:    cmdReg,
		version:       "goflight-0.1.0",
		buildVersions: "go-tinygo",
	}
}

// RegisterConstant adds a constant to the global dictionary.
func RegisterConstant(name string, value interface{}) {
	globalDictionary.AddConstant(name, value)
}

// RegisterEnumeration adds an enumeration to the global dictionary.
func RegisterEnumeration(name string, values []string) {
	globalDictionary.AddEnumeration(name, values)
}

// AddConstant publishes a named value.
func (d *Dictionary) AddConstant(name string, value interface{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.constants[name] = &Constant{
		Name:  name,
		Value: value,
	}
}

// AddEnumeration publishes a named value set.
func (d *Dictionary) AddEnumeration(name string, values []string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	// Keep our own copy; callers reuse their slices
	valuesCopy := make([]string, len(values))
	copy(valuesCopy, values)

	d.enumerations[name] = &Enumeration{
		Name:   name,
		Values: valuesCopy,
	}
}

// SetVersion overrides the firmware version reported to the host.
func (d *Dictionary) SetVersion(version string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.version = version
}

// SetBuildVersions overrides the toolchain string reported to the host.
func (d *Dictionary) SetBuildVersions(versions string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buildVersions = versions
}

// BuildDictionary builds and caches the compressed dictionary. Call once
// at boot after every command, constant, and enumeration is registered.
func (d *Dictionary) BuildDictionary() {
	// Fetch before taking the dictionary lock; the registry locks itself.
	commands, responses := d.commandReg.GetCommandsAndResponses()

	d.mu.Lock()
	defer d.mu.Unlock()

	jsonData := d.buildJSONLockedWithData(commands, responses)

	var buf bytes.Buffer
	w := tinycompress.NewWriter(&buf)
	if _, err := w.Write(jsonData); err != nil {
		DebugPrintln("dictionary compression failed: " + err.Error())
		return
	}
	if err := w.Close(); err != nil {
		DebugPrintln("dictionary compression failed: " + err.Error())
		return
	}

	DebugPrintln("dictionary: " + itoa(len(jsonData)) + " bytes json, " +
		itoa(buf.Len()) + " compressed")
	d.cachedDict = buf.Bytes()
}

// Generate returns the dictionary bytes, preferring the compressed
// cache BuildDictionary filled at boot. The uncached fallback yields raw
// JSON; it serves unit tests that inspect the content directly.
func (d *Dictionary) Generate() []byte {
	if d.cachedDict != nil {
		return d.cachedDict
	}
	return d.generateJSON()
}

func (d *Dictionary) generateJSON() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.buildJSONLocked()
}

// buildJSONLocked requires the dictionary lock; the registry takes its
// own.
func (d *Dictionary) buildJSONLocked() []byte {
	commands, responses := d.commandReg.GetCommandsAndResponses()
	return d.buildJSONLockedWithData(commands, responses)
}

// buildJSONLockedWithData builds the JSON dictionary from pre-fetched
// command data. Caller must hold the dictionary lock. The encoding is
// hand-rolled: encoding/json drags reflection into the binary, and none
// of the emitted names or values need escaping.
func (d *Dictionary) buildJSONLockedWithData(commands, responses map[string]int) []byte {
	out := make([]byte, 0, 1024)

	out = append(out, `{"version":"`...)
	out = append(out, d.version...)
	out = append(out, `","build_versions":"`...)
	out = append(out, d.buildVersions...)
	out = append(out, `","config":{`...)

	// Every map is emitted in sorted order so rebuilds produce
	// identical bytes.
	constNames := make([]string, 0, len(d.constants))
	for name := range d.constants {
		constNames = append(constNames, name)
	}
	sortStrings(constNames)
	for i, name := range constNames {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, '"')
		out = append(out, name...)
		out = append(out, `":"`...)
		out = append(out, valueToString(d.constants[name].Value)...)
		out = append(out, '"')
	}

	out = append(out, `},"commands":`...)
	out = appendIDMap(out, commands)
	out = append(out, `,"responses":`...)
	out = appendIDMap(out, responses)

	if len(d.enumerations) > 0 {
		out = append(out, `,"enumerations":{`...)

		enumNames := make([]string, 0, len(d.enumerations))
		for name := range d.enumerations {
			enumNames = append(enumNames, name)
		}
		sortStrings(enumNames)
		for i, name := range enumNames {
			if i > 0 {
				out = append(out, ',')
			}
			out = append(out, '"')
			out = append(out, name...)
			out = append(out, `":{`...)

			// Empty strings mark unnamed slots; they stay out of
			// the dictionary but their neighbors keep their index.
			first := true
			for idx, value := range d.enumerations[name].Values {
				if value == "" {
					continue
				}
				if !first {
					out = append(out, ',')
				}
				out = append(out, '"')
				out = append(out, value...)
				out = append(out, `":`...)
				out = append(out, itoa(idx)...)
				first = false
			}
			out = append(out, '}')
		}
		out = append(out, '}')
	}

	return append(out, '}')
}

// appendIDMap emits a JSON object mapping format strings to wire IDs,
// ordered by ID.
func appendIDMap(dst []byte, m map[string]int) []byte {
	ids := make([]int, 0, len(m))
	byID := make(map[int]string, len(m))
	for format, id := range m {
		ids = append(ids, id)
		byID[id] = format
	}
	sortInts(ids)

	dst = append(dst, '{')
	for i, id := range ids {
		if i > 0 {
			dst = append(dst, ',')
		}
		dst = append(dst, '"')
		dst = append(dst, byID[id]...)
		dst = append(dst, `":`...)
		dst = append(dst, itoa(id)...)
	}
	return append(dst, '}')
}

// Insertion sorts keep the binary free of the sort package; these lists
// top out at a few dozen entries.

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

func sortInts(s []int) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

// GetChunk returns up to count bytes of the dictionary starting at
// offset. Reads past the end return an empty slice, which is how the
// identify exchange signals completion.
func (d *Dictionary) GetChunk(offset uint32, count uint8) []byte {
	// Generate locks for itself; no lock here
	data := d.Generate()

	if offset >= uint32(len(data)) {
		return []byte{}
	}

	end := offset + uint32(count)
	if end > uint32(len(data)) {
		end = uint32(len(data))
	}

	// Copy so the caller never aliases the cache
	chunk := make([]byte, end-offset)
	copy(chunk, data[offset:end])
	return chunk
}

// GetGlobalDictionary returns the dictionary instance the firmware
// publishes.
func GetGlobalDictionary() *Dictionary {
	return globalDictionary
}
