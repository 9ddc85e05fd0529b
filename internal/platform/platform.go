// Package platform maps the host vendor to the settings screen where a user
// can exempt the service from power management.
package platform

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/shirou/gopsutil/v3/host"
)

type Kind string

const (
	// KindComponent is an Android activity addressed by package and class.
	KindComponent Kind = "component"
	// KindAction is a generic settings action.
	KindAction Kind = "action"
	// KindDoc points at documentation or a config file on Linux hosts.
	KindDoc Kind = "doc"
)

// Target is a deep-link into a settings screen.
type Target struct {
	Vendor   string `json:"vendor"`
	Kind     Kind   `json:"kind"`
	Package  string `json:"package,omitempty"`
	Activity string `json:"activity,omitempty"`
	Action   string `json:"action,omitempty"`
	URL      string `json:"url,omitempty"`
	Hint     string `json:"hint,omitempty"`
}

func (t Target) String() string {
	switch t.Kind {
	case KindComponent:
		return t.Package + "/" + t.Activity
	case KindAction:
		return t.Action
	default:
		return t.URL
	}
}

// Fallback is returned for vendors without a dedicated entry.
var Fallback = Target{
	Vendor: "generic",
	Kind:   KindAction,
	Action: "android.settings.IGNORE_BATTERY_OPTIMIZATION_SETTINGS",
	Hint:   "exempt the service from battery optimization",
}

var targets = map[string]Target{
	"xiaomi": {
		Kind:     KindComponent,
		Package:  "com.miui.powerkeeper",
		Activity: "com.miui.powerkeeper.ui.HiddenAppsConfigActivity",
		Hint:     "set battery saver to \"No restrictions\"",
	},
	"huawei": {
		Kind:     KindComponent,
		Package:  "com.huawei.systemmanager",
		Activity: "com.huawei.systemmanager.optimize.process.ProtectActivity",
		Hint:     "allow the app to run in the background",
	},
	"samsung": {
		Kind:     KindComponent,
		Package:  "com.samsung.android.lool",
		Activity: "com.samsung.android.sm.ui.battery.BatteryActivity",
		Hint:     "remove the app from sleeping apps",
	},
	"oppo": {
		Kind:     KindComponent,
		Package:  "com.coloros.safecenter",
		Activity: "com.coloros.safecenter.permission.startup.StartupAppListActivity",
		Hint:     "enable auto-launch",
	},
	"vivo": {
		Kind:     KindComponent,
		Package:  "com.vivo.permissionmanager",
		Activity: "com.vivo.permissionmanager.activity.BgStartUpManagerActivity",
		Hint:     "allow background start-up",
	},
	"debian": {
		Kind: KindDoc,
		URL:  "/etc/systemd/logind.conf",
		Hint: "set IdleAction=ignore or hold an idle inhibitor",
	},
	"rhel": {
		Kind: KindDoc,
		URL:  "/etc/systemd/logind.conf",
		Hint: "set IdleAction=ignore; check tuned profiles",
	},
	"arch": {
		Kind: KindDoc,
		URL:  "https://wiki.archlinux.org/title/Power_management",
		Hint: "hold an idle inhibitor or disable suspend targets",
	},
	"suse": {
		Kind: KindDoc,
		URL:  "/etc/systemd/logind.conf",
		Hint: "set IdleAction=ignore",
	},
	"alpine": {
		Kind: KindDoc,
		URL:  "/etc/conf.d/",
		Hint: "no systemd; keep the service under the init system",
	},
}

// aliases maps brand names to the table entry that serves them.
var aliases = map[string]string{
	"redmi":   "xiaomi",
	"poco":    "xiaomi",
	"honor":   "huawei",
	"realme":  "oppo",
	"oneplus": "oppo",
	"iqoo":    "vivo",

	"ubuntu":    "debian",
	"raspbian":  "debian",
	"fedora":    "rhel",
	"centos":    "rhel",
	"rocky":     "rhel",
	"almalinux": "rhel",
	"manjaro":   "arch",

	"opensuse":            "suse",
	"opensuse-leap":       "suse",
	"opensuse-tumbleweed": "suse",
}

// Normalize reduces a manufacturer or distro string to a table key.
// Unknown vendors are returned lowercased and trimmed.
func Normalize(vendor string) string {
	v := strings.ToLower(strings.TrimSpace(vendor))
	if v == "" {
		return ""
	}
	if _, ok := targets[v]; ok {
		return v
	}
	if k, ok := aliases[v]; ok {
		return k
	}
	// Manufacturer strings often carry a suffix ("Xiaomi Inc.", "HUAWEI Technologies").
	for _, k := range sortedKeys() {
		if strings.Contains(v, k) {
			if a, ok := aliases[k]; ok {
				return a
			}
			return k
		}
	}
	return v
}

// SettingsTarget returns the deep-link target for vendor and whether a
// vendor-specific entry exists. Unknown vendors get Fallback.
func SettingsTarget(vendor string) (Target, bool) {
	key := Normalize(vendor)
	t, ok := targets[key]
	if !ok {
		return Fallback, false
	}
	t.Vendor = key
	return t, true
}

// Vendors lists the vendors with a dedicated entry, sorted.
func Vendors() []string {
	out := make([]string, 0, len(targets))
	for k := range targets {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Info is the detected host identity.
type Info struct {
	Vendor   string `json:"vendor"`
	Platform string `json:"platform,omitempty"`
	Family   string `json:"family,omitempty"`
	Version  string `json:"version,omitempty"`
	Override bool   `json:"override,omitempty"`
}

// InfoFunc reports host information; host.InfoWithContext in production.
type InfoFunc func(ctx context.Context) (*host.InfoStat, error)

// Detect resolves the vendor. A non-empty override wins over detection.
func Detect(ctx context.Context, override string, info InfoFunc) (Info, error) {
	if o := strings.TrimSpace(override); o != "" {
		return Info{Vendor: Normalize(o), Override: true}, nil
	}
	if info == nil {
		info = host.InfoWithContext
	}
	hi, err := info(ctx)
	if err != nil {
		return Info{}, fmt.Errorf("host info: %w", err)
	}
	out := Info{Platform: hi.Platform, Family: hi.PlatformFamily, Version: hi.PlatformVersion}
	out.Vendor = Normalize(hi.Platform)
	if _, ok := targets[out.Vendor]; !ok && hi.PlatformFamily != "" {
		if fam := Normalize(hi.PlatformFamily); fam != "" {
			if _, ok := targets[fam]; ok {
				out.Vendor = fam
			}
		}
	}
	return out, nil
}

func sortedKeys() []string {
	keys := make([]string, 0, len(targets)+len(aliases))
	for k := range targets {
		keys = append(keys, k)
	}
	for k := range aliases {
		keys = append(keys, k)
	}
	// Longest first so "opensuse" matches before "suse".
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	return keys
}
