// Package deviceinfo describes the device identity reported to the cloud:
// MAC address, UUID, firmware version, user agent and the metadata blobs the
// OTA server and the hub expect.
package deviceinfo

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"runtime"
	"strings"

	"github.com/google/uuid"
	"github.com/haivivi/gearfw/pkg/settings"
)

// Namespace is the settings namespace holding the persisted identity.
const Namespace = "board"

// Info is the identity of one device.
type Info struct {
	MACAddress      string
	UUID            string
	BoardType       string
	BoardName       string
	ChipModel       string
	FirmwareVersion string
	Language        string
}

// Load returns the device identity stored in s, generating and persisting a
// UUID and a MAC address on first use. Fields already set in base are kept.
func Load(s *settings.Settings, base Info) (*Info, error) {
	info := base
	if info.UUID == "" {
		info.UUID = s.GetString("uuid", "")
		if info.UUID == "" {
			info.UUID = uuid.NewString()
			if err := s.SetString("uuid", info.UUID); err != nil {
				return nil, fmt.Errorf("deviceinfo: save uuid: %w", err)
			}
		}
	}
	if info.MACAddress == "" {
		info.MACAddress = s.GetString("mac", "")
		if info.MACAddress == "" {
			info.MACAddress = MACFromSeed(info.UUID)
			if err := s.SetString("mac", info.MACAddress); err != nil {
				return nil, fmt.Errorf("deviceinfo: save mac: %w", err)
			}
		}
	}
	if info.BoardType == "" {
		info.BoardType = "gearsim"
	}
	if info.BoardName == "" {
		info.BoardName = info.BoardType
	}
	if info.ChipModel == "" {
		info.ChipModel = "sim-" + runtime.GOARCH
	}
	if info.FirmwareVersion == "" {
		info.FirmwareVersion = "0.0.0"
	}
	if info.Language == "" {
		info.Language = "zh-CN"
	}
	return &info, nil
}

// MACFromSeed derives a stable, locally administered unicast MAC address
// from seed, formatted lowercase with colons.
func MACFromSeed(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	mac := sum[:6]
	mac[0] = (mac[0] | 0x02) &^ 0x01
	parts := make([]string, len(mac))
	for i, b := range mac {
		parts[i] = fmt.Sprintf("%02x", b)
	}
	return strings.Join(parts, ":")
}

// UserAgent is sent with every HTTP request to the OTA server.
func (i *Info) UserAgent() string {
	return i.BoardName + "/" + i.FirmwareVersion
}

// MetadataJSON is the registration metadata sent to the hub.
func (i *Info) MetadataJSON() string {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	meta := struct {
		ChipModel       string   `json:"chipModel"`
		Cores           int      `json:"cores"`
		FirmwareVersion string   `json:"firmwareVersion"`
		SDKVersion      string   `json:"sdkVersion"`
		FreeHeap        uint64   `json:"freeHeap"`
		MinFreeHeap     uint64   `json:"minFreeHeap"`
		Features        []string `json:"features"`
	}{
		ChipModel:       i.ChipModel,
		Cores:           runtime.NumCPU(),
		FirmwareVersion: i.FirmwareVersion,
		SDKVersion:      runtime.Version(),
		FreeHeap:        ms.HeapIdle,
		MinFreeHeap:     ms.HeapIdle - ms.HeapReleased,
		Features:        []string{"WiFi"},
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// SystemInfo is the device description posted to the OTA server.
type SystemInfo struct {
	Version        int         `json:"version"`
	Language       string      `json:"language"`
	MACAddress     string      `json:"mac_address"`
	UUID           string      `json:"uuid"`
	ChipModelName  string      `json:"chip_model_name"`
	Application    Application `json:"application"`
	Board          Board       `json:"board"`
	MinimumFreeMem uint64      `json:"minimum_free_heap_size"`
}

type Application struct {
	Name       string `json:"name"`
	Version    string `json:"version"`
	SDKVersion string `json:"idf_version"`
}

type Board struct {
	Type string `json:"type"`
	Name string `json:"name"`
	MAC  string `json:"mac"`
}

// SystemInfo returns the OTA device description.
func (i *Info) SystemInfo() SystemInfo {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return SystemInfo{
		Version:       2,
		Language:      i.Language,
		MACAddress:    i.MACAddress,
		UUID:          i.UUID,
		ChipModelName: i.ChipModel,
		Application: Application{
			Name:       "gearfw",
			Version:    i.FirmwareVersion,
			SDKVersion: runtime.Version(),
		},
		Board: Board{
			Type: i.BoardType,
			Name: i.BoardName,
			MAC:  i.MACAddress,
		},
		MinimumFreeMem: ms.HeapIdle - ms.HeapReleased,
	}
}

// SystemInfoJSON marshals SystemInfo.
func (i *Info) SystemInfoJSON() []byte {
	b, _ := json.Marshal(i.SystemInfo())
	return b
}
