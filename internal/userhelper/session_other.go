//go:build !windows

package userhelper

// currentWinSessionID is Windows-only; other platforms report 0.
func currentWinSessionID() uint32 { return 0 }
