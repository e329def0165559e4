package imaging

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrNotADevice = errors.New("device path must start with /dev/")

const (
	DefaultFSType     = "ext4"
	DefaultBufferSize = 10485670
)

// Engine builds partclone invocations. Partclone reads a source partition and
// writes its image to stdout (clone), or reads an image from stdin and writes
// it onto a destination partition (restore); the pipeline treats that stream
// as opaque bytes.
type Engine struct {
	// Binary overrides the partclone executable; empty means partclone.<fstype>.
	Binary     string
	FSType     string
	BufferSize int
}

func NewEngine(fsType string) *Engine {
	if fsType == "" {
		fsType = DefaultFSType
	}
	return &Engine{FSType: fsType, BufferSize: DefaultBufferSize}
}

// DeviceName derives a flat name for a device path, e.g. /dev/mapper/vg-root
// becomes mapper-vg-root.
func DeviceName(device string) (string, error) {
	name := strings.TrimPrefix(device, "/dev/")
	if name == device || name == "" {
		return "", ErrNotADevice
	}
	return strings.ReplaceAll(name, "/", "-"), nil
}

// CloneCommand returns the backup invocation: read sourceDevice, write the
// image stream to stdout.
func (e *Engine) CloneCommand(sourceDevice, logPath string) []string {
	return []string{
		e.binary(),
		"--logfile", logPath,
		"--buffer_size", strconv.Itoa(e.bufferSize()),
		"--clone",
		"--source", sourceDevice,
		"--output", "-",
	}
}

// RestoreCommand returns the restore invocation: read the image stream from
// stdin, write it onto destinationDevice.
func (e *Engine) RestoreCommand(destinationDevice string) []string {
	return []string{
		e.binary(),
		"--restore",
		"--source", "-",
		"--output", destinationDevice,
	}
}

func (e *Engine) binary() string {
	if e.Binary != "" {
		return e.Binary
	}
	return fmt.Sprintf("partclone.%s", e.FSType)
}

func (e *Engine) bufferSize() int {
	if e.BufferSize > 0 {
		return e.BufferSize
	}
	return DefaultBufferSize
}
