package channel

import "fmt"

// Channel is a delivery medium for a notification.
type Channel string

const (
	Database Channel = "database"
	Mail     Channel = "mail"
	SMS      Channel = "sms"
	Push     Channel = "push"
	Slack    Channel = "slack"
)

// ConfigType tags a notification_configs row.
type ConfigType string

const (
	EmailProvider ConfigType = "email_provider"
	SMSProvider   ConfigType = "sms_provider"
	PushProvider  ConfigType = "push_provider"
	SlackProvider ConfigType = "slack_provider"
	Template      ConfigType = "template"
)

// All lists every known channel in a stable order.
var All = []Channel{Database, Mail, SMS, Push, Slack}

func Parse(s string) (Channel, error) {
	for _, ch := range All {
		if string(ch) == s {
			return ch, nil
		}
	}
	return "", fmt.Errorf("unknown channel %q", s)
}

// ConfigTypeFor returns the provider config type that serves ch. Database is
// delivered in-process and has none.
func ConfigTypeFor(ch Channel) (ConfigType, bool) {
	switch ch {
	case Mail:
		return EmailProvider, true
	case SMS:
		return SMSProvider, true
	case Push:
		return PushProvider, true
	case Slack:
		return SlackProvider, true
	default:
		return "", false
	}
}

// PayloadKey is the outbox payload key holding the channel-specific data,
// e.g. "to_database" or "mail_data".
func PayloadKey(ch Channel) string {
	if ch == Database {
		return "to_database"
	}
	return string(ch) + "_data"
}

// Dedupe removes repeated channels, keeping first occurrence order.
func Dedupe(in []Channel) []Channel {
	seen := make(map[Channel]bool, len(in))
	out := make([]Channel, 0, len(in))
	for _, ch := range in {
		if seen[ch] {
			continue
		}
		seen[ch] = true
		out = append(out, ch)
	}
	return out
}

func Strings(in []Channel) []string {
	out := make([]string, len(in))
	for i, ch := range in {
		out[i] = string(ch)
	}
	return out
}
