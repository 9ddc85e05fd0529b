package platform

import (
	"context"
	"errors"
	"testing"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettingsTargetKnownVendors(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want string
	}{
		{"Xiaomi", "xiaomi"},
		{"Redmi", "xiaomi"},
		{"HONOR", "huawei"},
		{"OnePlus", "oppo"},
		{"realme", "oppo"},
		{"samsung", "samsung"},
		{"vivo", "vivo"},
		{"ubuntu", "debian"},
		{"Fedora", "rhel"},
		{"openSUSE-Leap", "suse"},
	} {
		t.Run(tc.in, func(t *testing.T) {
			got, ok := SettingsTarget(tc.in)
			require.True(t, ok)
			assert.Equal(t, tc.want, got.Vendor)
			assert.NotEmpty(t, got.String())
		})
	}
}

func TestSettingsTargetSuffixMatch(t *testing.T) {
	got, ok := SettingsTarget("HUAWEI Technologies Co., Ltd.")
	require.True(t, ok)
	assert.Equal(t, "huawei", got.Vendor)
	assert.Equal(t, "com.huawei.systemmanager/com.huawei.systemmanager.optimize.process.ProtectActivity", got.String())
}

func TestSettingsTargetFallback(t *testing.T) {
	for _, v := range []string{"", "nokia", "gentoo"} {
		got, ok := SettingsTarget(v)
		assert.False(t, ok, v)
		assert.Equal(t, Fallback, got)
	}
}

func TestVendorsSorted(t *testing.T) {
	v := Vendors()
	assert.Contains(t, v, "xiaomi")
	assert.IsIncreasing(t, v)
}

func TestDetect(t *testing.T) {
	info := func(context.Context) (*host.InfoStat, error) {
		return &host.InfoStat{Platform: "linuxmint", PlatformFamily: "debian", PlatformVersion: "22"}, nil
	}

	got, err := Detect(context.Background(), "", info)
	require.NoError(t, err)
	assert.Equal(t, "debian", got.Vendor)
	assert.Equal(t, "linuxmint", got.Platform)
	assert.False(t, got.Override)

	got, err = Detect(context.Background(), " Samsung ", info)
	require.NoError(t, err)
	assert.Equal(t, Info{Vendor: "samsung", Override: true}, got)

	_, err = Detect(context.Background(), "", func(context.Context) (*host.InfoStat, error) {
		return nil, errors.New("no /etc/os-release")
	})
	require.Error(t, err)
}
