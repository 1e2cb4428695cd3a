package globals

// FirmwareVersion is set at build time via -ldflags
var FirmwareVersion = "dev"

// Product name shown on screen and used as the BLE advertising name
const ProductName = "CapyCoder"

// Writable data directory
var DataDir = "/data"

// Firmware data
var FirmwareDataDir = DataDir + "/.firmware-data"

// Settings overlay (optional, env wins)
var SettingsPath = FirmwareDataDir + "/settings.json"

// Logs
var LogsPath = FirmwareDataDir + "/logs.json"

// Emulated NOR flash image holding the partition table and the NVS record
var FlashImagePath = FirmwareDataDir + "/capy.flash"

// WpaSupplicantPath for WiFi credentials
var WpaSupplicantPath = "/etc/wpa_supplicant/wpa_supplicant.conf"

// SetDataDir moves every derived path under dir.
func SetDataDir(dir string) {
	DataDir = dir
	FirmwareDataDir = DataDir + "/.firmware-data"
	SettingsPath = FirmwareDataDir + "/settings.json"
	LogsPath = FirmwareDataDir + "/logs.json"
	FlashImagePath = FirmwareDataDir + "/capy.flash"
}
