package config

import "encoding/json"

// WifiCredentials is the wifi_cfg.json document:
//
//	{"wifi":{"ssid":"...","password":"..."}}
type WifiCredentials struct {
	Wifi struct {
		SSID     string `json:"ssid"`
		Password string `json:"password"`
	} `json:"wifi"`
}

// ParseWifiCredentials parses a wifi_cfg.json document. A missing,
// empty or malformed document returns ok=false, which disables WiFi.
func ParseWifiCredentials(raw []byte) (ssid, password string, ok bool) {
	if len(raw) == 0 {
		return "", "", false
	}
	var creds WifiCredentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return "", "", false
	}
	if creds.Wifi.SSID == "" {
		return "", "", false
	}
	return creds.Wifi.SSID, creds.Wifi.Password, true
}
