package fanotify

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/simbiota/simbiota/internal/config"
)

func TestMarkArgs_Translation(t *testing.T) {
	spec := config.MarkSpec{
		Path:            "/bin",
		Dir:             true,
		EventOnChildren: true,
		Mask:            []string{"OPEN_EXEC_PERM", "CLOSE_WRITE"},
	}
	flags, mask, err := markArgs(spec)
	if err != nil {
		t.Fatalf("markArgs: %v", err)
	}
	if flags&unix.FAN_MARK_ADD == 0 {
		t.Error("expected FAN_MARK_ADD")
	}
	if flags&unix.FAN_MARK_ONLYDIR == 0 {
		t.Error("expected FAN_MARK_ONLYDIR for dir spec")
	}
	if flags&(unix.FAN_MARK_MOUNT|unix.FAN_MARK_FILESYSTEM) != 0 {
		t.Error("unexpected mount/filesystem flag")
	}
	if mask&unix.FAN_OPEN_EXEC_PERM == 0 || mask&unix.FAN_CLOSE_WRITE == 0 {
		t.Errorf("mask = %#x, missing requested bits", mask)
	}
	if mask&unix.FAN_EVENT_ON_CHILD == 0 {
		t.Error("expected FAN_EVENT_ON_CHILD")
	}
}

func TestMarkArgs_MountAndFilesystem(t *testing.T) {
	flags, _, err := markArgs(config.MarkSpec{Path: "/", Mount: true, Mask: []string{"OPEN"}})
	if err != nil {
		t.Fatalf("markArgs: %v", err)
	}
	if flags&unix.FAN_MARK_MOUNT == 0 {
		t.Error("expected FAN_MARK_MOUNT")
	}

	flags, _, err = markArgs(config.MarkSpec{Path: "/", Filesystem: true, Mask: []string{"OPEN"}})
	if err != nil {
		t.Fatalf("markArgs: %v", err)
	}
	if flags&unix.FAN_MARK_FILESYSTEM == 0 {
		t.Error("expected FAN_MARK_FILESYSTEM")
	}
}

func TestMarkArgs_UnknownKind(t *testing.T) {
	if _, _, err := markArgs(config.MarkSpec{Path: "/", Mask: []string{"EXECVE"}}); err == nil {
		t.Fatal("expected error for unknown event kind")
	}
}

func TestMarkArgs_EveryConfigKindMaps(t *testing.T) {
	for _, kind := range config.EventKinds {
		if _, ok := kindBits[kind]; !ok {
			t.Errorf("config event kind %q has no fanotify bit", kind)
		}
	}
}

func TestKindName(t *testing.T) {
	cases := []struct {
		mask uint64
		want string
	}{
		{unix.FAN_OPEN_PERM, "OPEN_PERM"},
		{unix.FAN_OPEN_EXEC_PERM | unix.FAN_OPEN_EXEC, "OPEN_EXEC_PERM"},
		{unix.FAN_CLOSE_NOWRITE, "CLOSE_NOWRITE"},
		{0, "UNKNOWN"},
	}
	for _, c := range cases {
		if got := KindName(c.mask); got != c.want {
			t.Errorf("KindName(%#x) = %q, want %q", c.mask, got, c.want)
		}
	}
}

func TestEvent_IsPermission(t *testing.T) {
	perm := &Event{Mask: unix.FAN_OPEN_EXEC_PERM}
	if !perm.IsPermission() {
		t.Error("OPEN_EXEC_PERM must be a permission event")
	}
	open := &Event{Mask: unix.FAN_OPEN}
	if open.IsPermission() {
		t.Error("OPEN must not be a permission event")
	}
}
