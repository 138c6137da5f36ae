package translation

import "testing"

func TestSameLanguage(t *testing.T) {
	cases := []struct {
		source, target string
		want           bool
	}{
		{"en", "en", true},
		{"EN", "en", true},
		{"en", "en-US", true},
		{"en", "en_us", true},
		{"en_GB", "en-us", false},
		{"en-GB", "en", false},
		{"zh-TW", "en", false},
		{"zh", "zh-TW", true},
		{"zh-TW", "zh", false},
		{"zh-TW", "zh-CN", false},
		{"", "en", false},
		{"e", "en", false},
	}
	for _, tc := range cases {
		if got := SameLanguage(tc.source, tc.target); got != tc.want {
			t.Fatalf("SameLanguage(%q, %q) = %v, want %v", tc.source, tc.target, got, tc.want)
		}
	}
}

func TestJoin(t *testing.T) {
	if got := Join("zh-TW", []string{"你好", " 世界 "}); got != "你好世界" {
		t.Fatalf("unexpected zh join %q", got)
	}
	if got := Join("ja", []string{"こんにちは", "世界"}); got != "こんにちは世界" {
		t.Fatalf("unexpected ja join %q", got)
	}
	if got := Join("en-US", []string{"hello", "", "world"}); got != "hello world" {
		t.Fatalf("unexpected en join %q", got)
	}
}
