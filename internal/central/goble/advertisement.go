package goble

import (
	"github.com/go-ble/ble"

	"github.com/srg/blecentral/internal/central"
)

// advertisement wraps ble.Advertisement to implement central.Advertisement
type advertisement struct {
	adv ble.Advertisement
}

func newAdvertisement(adv ble.Advertisement) central.Advertisement {
	return &advertisement{adv: adv}
}

func (a *advertisement) LocalName() string        { return a.adv.LocalName() }
func (a *advertisement) ManufacturerData() []byte { return a.adv.ManufacturerData() }
func (a *advertisement) TxPowerLevel() int        { return a.adv.TxPowerLevel() }
func (a *advertisement) Connectable() bool        { return a.adv.Connectable() }
func (a *advertisement) RSSI() int                { return a.adv.RSSI() }
func (a *advertisement) Addr() string             { return a.adv.Addr().String() }

func (a *advertisement) ServiceData() map[string][]byte {
	data := a.adv.ServiceData()
	result := make(map[string][]byte, len(data))
	for _, sd := range data {
		result[sd.UUID.String()] = sd.Data
	}
	return result
}

func (a *advertisement) Services() []string {
	svcs := a.adv.Services()
	result := make([]string, len(svcs))
	for i, svc := range svcs {
		result[i] = svc.String()
	}
	return result
}
