package services

import "testing"

func TestNotificationLocale(t *testing.T) {
	cases := []struct {
		preferred string
		want      string
	}{
		{"", "vi"},
		{"vi", "vi"},
		{"vi-VN", "vi"},
		{"en-US", "en"},
		{"ja-JP", "ja"},
		{"fr", "vi"},
		{"not a tag", "vi"},
	}

	for _, tc := range cases {
		if got := notificationLocale(tc.preferred); got != tc.want {
			t.Fatalf("notificationLocale(%q) = %q, want %q", tc.preferred, got, tc.want)
		}
	}
}

func TestCanonicalLanguageTag(t *testing.T) {
	if got, err := canonicalLanguageTag(" vi_VN "); err != nil || got != "vi-VN" {
		t.Fatalf("expected vi-VN, got %q err %v", got, err)
	}
	if got, err := canonicalLanguageTag(""); err != nil || got != "" {
		t.Fatalf("expected empty passthrough, got %q err %v", got, err)
	}
	if _, err := canonicalLanguageTag("!!"); err == nil {
		t.Fatal("expected error for invalid tag")
	}
}
