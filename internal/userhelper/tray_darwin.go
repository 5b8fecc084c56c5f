//go:build darwin

package userhelper

import "github.com/relaydesk/host/internal/ipc"

// updateTrayOS updates the system tray on macOS.
// A production implementation would use NSStatusItem via cgo/ObjC.
func updateTrayOS(update ipc.TrayUpdate) {
	log.Debug("tray update", "status", update.Status, "tooltip", update.Tooltip, "items", len(update.MenuItems))
}
