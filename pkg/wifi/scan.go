package wifi

import (
	"bufio"
	"strconv"
	"strings"
)

// parseIWScan parses the output of `iw dev <iface> scan`.
func parseIWScan(output string) []AccessPoint {
	var results []AccessPoint

	var cur *AccessPoint
	flush := func() {
		if cur != nil && validBSSID(cur.BSSID) {
			if cur.Auth == AuthUnknown {
				cur.Auth = AuthOpen
			}
			results = append(results, *cur)
		}
	}

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()

		// "BSS aa:bb:cc:dd:ee:ff(on wlan0) -- associated"
		if strings.HasPrefix(line, "BSS ") {
			flush()
			mac := strings.TrimPrefix(line, "BSS ")
			if idx := strings.IndexByte(mac, '('); idx >= 0 {
				mac = mac[:idx]
			}
			cur = &AccessPoint{BSSID: strings.ToUpper(strings.TrimSpace(mac)), RSSI: -100}
			continue
		}
		if cur == nil {
			continue
		}

		trimmed := strings.TrimPrefix(strings.TrimSpace(line), "* ")
		switch {
		case strings.HasPrefix(trimmed, "SSID: "):
			cur.SSID = strings.TrimPrefix(trimmed, "SSID: ")
		case strings.HasPrefix(trimmed, "signal: "):
			v := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(trimmed, "signal: "), " dBm"))
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				cur.RSSI = int16(f)
			}
		case strings.HasPrefix(trimmed, "DS Parameter set: channel "):
			if v, err := strconv.Atoi(strings.TrimPrefix(trimmed, "DS Parameter set: channel ")); err == nil {
				cur.Channel = v
			}
		case strings.HasPrefix(trimmed, "primary channel: ") && cur.Channel == 0:
			if v, err := strconv.Atoi(strings.TrimPrefix(trimmed, "primary channel: ")); err == nil {
				cur.Channel = v
			}
		case strings.HasPrefix(trimmed, "capability:") && strings.Contains(trimmed, "Privacy"):
			if cur.Auth < AuthWEP {
				cur.Auth = AuthWEP
			}
		case strings.HasPrefix(trimmed, "WPA:"):
			if cur.Auth < AuthWPA {
				cur.Auth = AuthWPA
			}
		case strings.HasPrefix(trimmed, "RSN:"):
			if cur.Auth < AuthWPA2 {
				cur.Auth = AuthWPA2
			}
		case strings.Contains(trimmed, "Authentication suites:") && strings.Contains(trimmed, "SAE"):
			cur.Auth = AuthWPA3
		}
	}
	flush()

	return results
}

// parseNmcliScan parses `nmcli -t -f BSSID,SSID,CHAN,SIGNAL,SECURITY dev wifi list`.
// In terse mode literal colons in values are escaped as \:.
func parseNmcliScan(output string) []AccessPoint {
	var results []AccessPoint

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		const placeholder = "\x00"
		parts := strings.Split(strings.ReplaceAll(line, `\:`, placeholder), ":")
		for i := range parts {
			parts[i] = strings.TrimSpace(strings.ReplaceAll(parts[i], placeholder, ":"))
		}
		if len(parts) < 5 {
			continue
		}

		bssid := strings.ToUpper(parts[0])
		if !validBSSID(bssid) {
			continue
		}
		channel, _ := strconv.Atoi(parts[2])

		// SIGNAL is a 0-100 percentage: 100% ~ -30 dBm, 0% ~ -100 dBm
		rssi := int16(-100)
		if sig, err := strconv.Atoi(parts[3]); err == nil {
			rssi = int16(-100 + sig*70/100)
		}

		results = append(results, AccessPoint{
			SSID:    parts[1],
			BSSID:   bssid,
			Channel: channel,
			RSSI:    rssi,
			Auth:    nmcliAuth(parts[4]),
		})
	}

	return results
}

func nmcliAuth(security string) AuthMode {
	switch {
	case security == "" || security == "--":
		return AuthOpen
	case strings.Contains(security, "WPA3"):
		return AuthWPA3
	case strings.Contains(security, "WPA2"):
		return AuthWPA2
	case strings.Contains(security, "WPA"):
		return AuthWPA
	case strings.Contains(security, "WEP"):
		return AuthWEP
	default:
		return AuthUnknown
	}
}

func validBSSID(mac string) bool {
	if len(mac) != 17 {
		return false
	}
	for i := 0; i < 17; i++ {
		c := mac[i]
		if i%3 == 2 {
			if c != ':' {
				return false
			}
			continue
		}
		if !strings.ContainsRune("0123456789ABCDEF", rune(c)) {
			return false
		}
	}
	return true
}
