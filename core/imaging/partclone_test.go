package imaging

import (
	"errors"
	"strings"
	"testing"
)

func TestDeviceName(t *testing.T) {
	tests := []struct {
		device string
		want   string
	}{
		{"/dev/sda1", "sda1"},
		{"/dev/mapper/vg-root", "mapper-vg-root"},
		{"/dev/nvme0n1p2", "nvme0n1p2"},
	}

	for _, tt := range tests {
		got, err := DeviceName(tt.device)
		if err != nil {
			t.Errorf("DeviceName(%q): %v", tt.device, err)
			continue
		}
		if got != tt.want {
			t.Errorf("DeviceName(%q) = %q, want %q", tt.device, got, tt.want)
		}
	}
}

func TestDeviceNameRejectsNonDevices(t *testing.T) {
	for _, device := range []string{"sda1", "/tmp/file", "/dev/", ""} {
		if _, err := DeviceName(device); !errors.Is(err, ErrNotADevice) {
			t.Errorf("DeviceName(%q) = %v, want ErrNotADevice", device, err)
		}
	}
}

func TestCloneCommand(t *testing.T) {
	e := NewEngine("ext4")
	cmd := e.CloneCommand("/dev/sda1", "/backups/partclone-sda1.log")

	if cmd[0] != "partclone.ext4" {
		t.Errorf("binary = %q, want partclone.ext4", cmd[0])
	}
	joined := strings.Join(cmd, " ")
	for _, want := range []string{"--clone", "--source /dev/sda1", "--output -", "--logfile /backups/partclone-sda1.log"} {
		if !strings.Contains(joined, want) {
			t.Errorf("clone command %q missing %q", joined, want)
		}
	}
}

func TestRestoreCommand(t *testing.T) {
	e := NewEngine("")
	cmd := e.RestoreCommand("/dev/sdb2")

	joined := strings.Join(cmd, " ")
	for _, want := range []string{"partclone.ext4", "--restore", "--source -", "--output /dev/sdb2"} {
		if !strings.Contains(joined, want) {
			t.Errorf("restore command %q missing %q", joined, want)
		}
	}
}

func TestBinaryOverride(t *testing.T) {
	e := NewEngine("ext4")
	e.Binary = "/usr/local/bin/partclone.btrfs"

	if cmd := e.RestoreCommand("/dev/sdc1"); cmd[0] != "/usr/local/bin/partclone.btrfs" {
		t.Errorf("binary = %q, want the override", cmd[0])
	}
}
