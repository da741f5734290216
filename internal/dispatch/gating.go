package dispatch

import (
	"fmt"
	"time"

	"github.com/lalithlochan/cannaai-notify/internal/db"
)

const (
	reasonQuietHours  = "quiet_hours"
	reasonMinSeverity = "min_severity"
)

// parseClock reads "HH:MM" or "HH:MM:SS" as an offset from midnight.
func parseClock(s string) (time.Duration, error) {
	for _, layout := range []string{"15:04", "15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Duration(t.Hour())*time.Hour +
				time.Duration(t.Minute())*time.Minute +
				time.Duration(t.Second())*time.Second, nil
		}
	}
	return 0, fmt.Errorf("invalid time of day %q", s)
}

// inQuietHours compares time of day within a single day: a window whose
// start is after its end never matches.
func inQuietHours(pref *db.NotificationPreference, now time.Time) (bool, error) {
	if pref == nil || pref.QuietHoursStart == nil || pref.QuietHoursEnd == nil {
		return false, nil
	}
	start, err := parseClock(*pref.QuietHoursStart)
	if err != nil {
		return false, err
	}
	end, err := parseClock(*pref.QuietHoursEnd)
	if err != nil {
		return false, err
	}

	h, m, s := now.Clock()
	tod := time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second
	return start <= tod && tod <= end, nil
}

func belowMinSeverity(pref *db.NotificationPreference, severity string) bool {
	if pref == nil || pref.MinSeverity == "" {
		return false
	}
	return db.SeverityRank(severity) < db.SeverityRank(pref.MinSeverity)
}

// channelEnabled applies the preference, or the defaults when none exists.
func channelEnabled(pref *db.NotificationPreference, notificationType, channel string) bool {
	if pref == nil {
		pref = db.DefaultPreference(notificationType)
	}
	return pref.ChannelEnabled(channel)
}

// target picks the address a channel sender delivers to.
func target(pref *db.NotificationPreference, userID *string, channel string) string {
	if pref != nil {
		var addr *string
		switch channel {
		case db.ChannelEmail:
			addr = pref.EmailAddress
		case db.ChannelSMS:
			addr = pref.PhoneNumber
		case db.ChannelPush:
			addr = pref.PushToken
		}
		if addr != nil && *addr != "" {
			return *addr
		}
	}
	if userID != nil {
		return *userID
	}
	return ""
}
