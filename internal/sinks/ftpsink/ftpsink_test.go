package ftpsink

import (
	"testing"

	"github.com/multiverse-hardware-labs/daqedge/internal/config"
	"github.com/multiverse-hardware-labs/daqedge/internal/sample"
)

func TestSinkWithNoHostIsDisabled(t *testing.T) {
	settings := config.DefaultFTPSink()
	settings.Enabled = true
	settings.Host = ""

	sink := New(settings, config.DefaultCSVSink(), "station-01")
	if err := sink.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	s := sample.Sample{Channel: 0, TimestampNs: 1, CalibratedValues: map[string]float64{"valor": 1}}
	if err := sink.HandleSample(s); err != nil {
		t.Fatalf("HandleSample: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestSplitRemotePath(t *testing.T) {
	cases := map[string][]string{
		"/a/b/c": {"a", "b", "c"},
		"a/b":    {"a", "b"},
		"/":      nil,
		"":       nil,
	}
	for in, want := range cases {
		got := splitRemotePath(in)
		if len(got) != len(want) {
			t.Errorf("splitRemotePath(%q) = %v, want %v", in, got, want)
			continue
		}
		for i := range got {
			if got[i] != want[i] {
				t.Errorf("splitRemotePath(%q) = %v, want %v", in, got, want)
				break
			}
		}
	}
}

func TestJoinRemote(t *testing.T) {
	if got := joinRemote("/a/b", "c"); got != "/a/b/c" {
		t.Errorf("joinRemote(/a/b, c) = %q, want /a/b/c", got)
	}
	if got := joinRemote("/a/b/", "c"); got != "/a/b/c" {
		t.Errorf("joinRemote(/a/b/, c) = %q, want /a/b/c", got)
	}
}

func TestUploadPendingFilesNoFilesIsNoop(t *testing.T) {
	settings := config.DefaultFTPSink()
	settings.Enabled = true
	settings.Host = "unreachable.invalid"

	sink := New(settings, config.DefaultCSVSink(), "station-01")
	sink.uploadPendingFiles()
}
