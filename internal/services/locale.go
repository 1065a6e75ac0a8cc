package services

import (
	"strings"

	"golang.org/x/text/language"
)

// Notification templates exist for these locales only. Vietnamese is the
// storefront default.
var supportedNotificationLocales = []language.Tag{
	language.Vietnamese,
	language.English,
	language.Japanese,
}

var notificationLocaleMatcher = language.NewMatcher(supportedNotificationLocales)

// notificationLocale maps a customer's preferred language onto the closest
// supported notification locale. Empty or unparseable input falls back to
// the default.
func notificationLocale(preferred string) string {
	if preferred == "" {
		return supportedNotificationLocales[0].String()
	}
	tag, err := language.Parse(preferred)
	if err != nil {
		return supportedNotificationLocales[0].String()
	}
	_, index, _ := notificationLocaleMatcher.Match(tag)
	return supportedNotificationLocales[index].String()
}

// canonicalLanguageTag normalises a BCP 47 tag for storage. Empty input is
// allowed; garbage is not.
func canonicalLanguageTag(tag string) (string, error) {
	tag = strings.ReplaceAll(strings.TrimSpace(tag), "_", "-")
	if tag == "" {
		return "", nil
	}
	parsed, err := language.Parse(tag)
	if err != nil {
		return "", err
	}
	return parsed.String(), nil
}
