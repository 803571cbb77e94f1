//go:build linux

package permission

import (
	"errors"
	"fmt"
	"testing"

	"github.com/godbus/dbus/v5"
)

func TestIsAccessDenied(t *testing.T) {
	denied := dbus.Error{Name: accessDeniedName, Body: []interface{}{"rejected send message"}}
	other := dbus.Error{Name: "org.freedesktop.DBus.Error.ServiceUnknown"}

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"access denied", denied, true},
		{"wrapped access denied", fmt.Errorf("call: %w", denied), true},
		{"pointer access denied", &denied, true},
		{"other dbus error", other, false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isAccessDenied(tt.err); got != tt.want {
				t.Errorf("isAccessDenied(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestGrantAll(t *testing.T) {
	got := grantAll(Required, false)
	for _, c := range Required {
		v, ok := got[c]
		if !ok || v {
			t.Errorf("grantAll(false)[%s] = %v, %v", c, v, ok)
		}
	}
}

func TestNewBluezRequesterDefaultsToHci0(t *testing.T) {
	r := NewBluezRequester("")
	if r.adapterPath != "/org/bluez/hci0" {
		t.Errorf("adapterPath = %s", r.adapterPath)
	}
}
