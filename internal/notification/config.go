// Package notification describes the persistent notification that represents
// a running foreground service, and the Renderer boundary that displays it.
package notification

import (
	"fmt"
	"regexp"
	"strings"

	"fgsvc/internal/svcerr"
)

type Priority string

const (
	PriorityMax     Priority = "max"
	PriorityHigh    Priority = "high"
	PriorityDefault Priority = "default"
	PriorityLow     Priority = "low"
	PriorityMin     Priority = "min"
)

// Silent reports whether the priority renders without an audible alert.
func (p Priority) Silent() bool { return p == PriorityLow || p == PriorityMin }

type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
	VisibilitySecret  Visibility = "secret"
)

// ServiceType is the foreground-service category tag.
type ServiceType string

const (
	TypeCamera          ServiceType = "camera"
	TypeConnectedDevice ServiceType = "connectedDevice"
	TypeDataSync        ServiceType = "dataSync"
	TypeHealth          ServiceType = "health"
	TypeLocation        ServiceType = "location"
	TypeMediaPlayback   ServiceType = "mediaPlayback"
	TypeMediaProjection ServiceType = "mediaProjection"
	TypeMicrophone      ServiceType = "microphone"
	TypePhoneCall       ServiceType = "phoneCall"
	TypeRemoteMessaging ServiceType = "remoteMessaging"
	TypeShortService    ServiceType = "shortService"
	TypeSpecialUse      ServiceType = "specialUse"
	TypeSystemExempted  ServiceType = "systemExempted"
)

var serviceTypes = map[ServiceType]string{
	TypeCamera:          "FOREGROUND_SERVICE_CAMERA",
	TypeConnectedDevice: "FOREGROUND_SERVICE_CONNECTED_DEVICE",
	TypeDataSync:        "FOREGROUND_SERVICE_DATA_SYNC",
	TypeHealth:          "FOREGROUND_SERVICE_HEALTH",
	TypeLocation:        "FOREGROUND_SERVICE_LOCATION",
	TypeMediaPlayback:   "FOREGROUND_SERVICE_MEDIA_PLAYBACK",
	TypeMediaProjection: "FOREGROUND_SERVICE_MEDIA_PROJECTION",
	TypeMicrophone:      "FOREGROUND_SERVICE_MICROPHONE",
	TypePhoneCall:       "FOREGROUND_SERVICE_PHONE_CALL",
	TypeRemoteMessaging: "FOREGROUND_SERVICE_REMOTE_MESSAGING",
	TypeShortService:    "FOREGROUND_SERVICE_SHORT_SERVICE",
	TypeSpecialUse:      "FOREGROUND_SERVICE_SPECIAL_USE",
	TypeSystemExempted:  "FOREGROUND_SERVICE_SYSTEM_EXEMPTED",
}

// Known reports whether t is a recognised category.
func (t ServiceType) Known() bool {
	_, ok := serviceTypes[t]
	return ok
}

// Permission is the permission a host must have declared to run t.
func (t ServiceType) Permission() string { return serviceTypes[t] }

const MaxButtons = 2

// Button is an action button; Payload is opaque and echoed back on press.
type Button struct {
	Label   string `json:"label"`
	Payload string `json:"payload,omitempty"`
}

type Progress struct {
	Current int `json:"current"`
	Max     int `json:"max"`
}

// Config is an immutable snapshot of what a notification shows.
// Re-applying a Config with the same ID replaces the displayed notification.
type Config struct {
	ID          int         `json:"id"`
	Title       string      `json:"title"`
	Message     string      `json:"message"`
	Channel     string      `json:"channel"`
	Priority    Priority    `json:"priority,omitempty"`
	Visibility  Visibility  `json:"visibility,omitempty"`
	Buttons     []Button    `json:"buttons,omitempty"`
	Color       string      `json:"color,omitempty"`
	Badge       int         `json:"badge,omitempty"`
	Progress    *Progress   `json:"progress,omitempty"`
	Ongoing     bool        `json:"ongoing,omitempty"`
	ServiceType ServiceType `json:"service_type,omitempty"`
}

const DefaultChannel = "default"

// WithDefaults fills the optional tiers the way the platform does when they are omitted.
func (c Config) WithDefaults() Config {
	if strings.TrimSpace(c.Channel) == "" {
		c.Channel = DefaultChannel
	}
	if c.Priority == "" {
		c.Priority = PriorityHigh
	}
	if c.Visibility == "" {
		c.Visibility = VisibilityPrivate
	}
	if len(c.Buttons) > 0 {
		c.Buttons = append([]Button(nil), c.Buttons...)
	}
	if c.Progress != nil {
		p := *c.Progress
		c.Progress = &p
	}
	return c
}

var colorRe = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)

// Validate rejects configs that cannot be rendered. Failures are InvalidConfig.
func (c Config) Validate() error {
	var problems []string
	if c.ID <= 0 {
		problems = append(problems, "id must be positive")
	}
	if strings.TrimSpace(c.Title) == "" {
		problems = append(problems, "title is required")
	}
	if strings.TrimSpace(c.Message) == "" {
		problems = append(problems, "message is required")
	}
	if strings.TrimSpace(c.Channel) == "" {
		problems = append(problems, "channel is required")
	}
	switch c.Priority {
	case "", PriorityMax, PriorityHigh, PriorityDefault, PriorityLow, PriorityMin:
	default:
		problems = append(problems, fmt.Sprintf("unknown priority %q", c.Priority))
	}
	switch c.Visibility {
	case "", VisibilityPrivate, VisibilityPublic, VisibilitySecret:
	default:
		problems = append(problems, fmt.Sprintf("unknown visibility %q", c.Visibility))
	}
	if len(c.Buttons) > MaxButtons {
		problems = append(problems, fmt.Sprintf("at most %d buttons are supported", MaxButtons))
	}
	for i, b := range c.Buttons {
		if strings.TrimSpace(b.Label) == "" {
			problems = append(problems, fmt.Sprintf("button %d: label is required", i+1))
		}
	}
	if c.Color != "" && !colorRe.MatchString(c.Color) {
		problems = append(problems, fmt.Sprintf("color %q is not #RRGGBB", c.Color))
	}
	if c.Badge < 0 {
		problems = append(problems, "badge must not be negative")
	}
	if p := c.Progress; p != nil && (p.Max <= 0 || p.Current < 0 || p.Current > p.Max) {
		problems = append(problems, "progress requires 0 <= current <= max and max > 0")
	}
	if c.ServiceType != "" && !c.ServiceType.Known() {
		problems = append(problems, fmt.Sprintf("unknown service type %q", c.ServiceType))
	}
	if len(problems) > 0 {
		return svcerr.New(svcerr.InvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}
