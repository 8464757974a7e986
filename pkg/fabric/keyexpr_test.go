package fabric

import "testing"

func TestMatches(t *testing.T) {
	cases := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"bubbaloop/local/m/cam/frame", "bubbaloop/local/m/cam/frame", true},
		{"bubbaloop/*/m/cam/frame", "bubbaloop/local/m/cam/frame", true},
		{"bubbaloop/*/cam/frame", "bubbaloop/local/m/cam/frame", false},
		{"bubbaloop/**", "bubbaloop/local/m/cam/frame", true},
		{"bubbaloop/**/frame", "bubbaloop/local/m/cam/frame", true},
		{"bubbaloop/**/frame", "bubbaloop/local/m/cam/stats", false},
		{"**", "anything/at/all", true},
		{"bubbaloop/local/**", "bubbaloop/local", true},
		{"a/*/c", "a/b/c/d", false},
	}
	for _, tc := range cases {
		if got := Matches(tc.pattern, tc.key); got != tc.want {
			t.Errorf("Matches(%q, %q) = %v, want %v", tc.pattern, tc.key, got, tc.want)
		}
	}
}

func TestTopicKeyNormalisesHyphens(t *testing.T) {
	key := TopicKey("local", "nvidia-orin00", "rtsp-camera", "entrance", "compressed")
	want := "bubbaloop/local/nvidia_orin00/rtsp_camera/entrance/compressed"
	if key != want {
		t.Fatalf("TopicKey = %q, want %q", key, want)
	}

	// The hyphenated form must not match what was actually published.
	if Matches("bubbaloop/local/nvidia-orin00/**", key) {
		t.Error("hyphenated pattern should not match normalised key")
	}
	if !Matches("bubbaloop/local/nvidia_orin00/**", key) {
		t.Error("underscored pattern should match normalised key")
	}
}

func TestHasWildcard(t *testing.T) {
	if HasWildcard("a/b/c") {
		t.Error("concrete key reported as wildcard")
	}
	if !HasWildcard("a/*/c") || !HasWildcard("a/**") {
		t.Error("wildcard expressions not detected")
	}
}
