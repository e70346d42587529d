package model

import (
	"github.com/shopspring/decimal"
)

// PriceTick is one price observation from the upstream feed.
// Price and Conf are integer mantissas encoded as strings; the real value is
// mantissa * 10^Expo. The conversion happens only at the client boundary so
// no precision is lost in transit.
type PriceTick struct {
	ID          string `json:"id"`
	Price       string `json:"price"`
	Conf        string `json:"conf"`
	Expo        int32  `json:"expo"`
	PublishTime int64  `json:"publish_time"`
	EMAPrice    string `json:"ema_price,omitempty"`
	EMAConf     string `json:"ema_conf,omitempty"`
}

// ConvertedPrice renders mantissa * 10^Expo as a decimal string.
// Negative exponents keep their full scale ("65000000000.00" for
// mantissa 6500000000000, expo -2).
func (t PriceTick) ConvertedPrice() (string, error) {
	return convert(t.Price, t.Expo)
}

// ConvertedConf renders the confidence interval at the same scale as the price.
func (t PriceTick) ConvertedConf() (string, error) {
	return convert(t.Conf, t.Expo)
}

func convert(mantissa string, expo int32) (string, error) {
	d, err := decimal.NewFromString(mantissa)
	if err != nil {
		return "", err
	}
	d = d.Shift(expo)
	if expo < 0 {
		return d.StringFixed(-expo), nil
	}
	return d.String(), nil
}
