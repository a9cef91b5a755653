package domain

// TerminalSession describes one interactive shell on the paired host.
// Created on session start or bootstrap, destroyed on kill.
type TerminalSession struct {
	ID               string `json:"id"`
	JobID            string `json:"jobId,omitempty"`
	DeviceID         string `json:"deviceId"`
	WorkingDirectory string `json:"workingDirectory,omitempty"`
	Shell            string `json:"shell,omitempty"`
	IsActive         bool   `json:"isActive"`
}
