package model

// Client-facing message types.
const (
	MsgTypeSubscribe    = "subscribe"
	MsgTypeUnsubscribe  = "unsubscribe"
	MsgTypeGetPrice     = "get_price"
	MsgTypeConnected    = "connected"
	MsgTypeSubscribed   = "subscribed"
	MsgTypeUnsubscribed = "unsubscribed"
	MsgTypePriceUpdate  = "price_update"
	MsgTypeError        = "error"
)

// ClientRequest is one inbound message from a downstream client.
type ClientRequest struct {
	Type string `json:"type"`
	Pair string `json:"pair"`
}

// PriceUpdate is the client-facing tick payload. Price and Confidence are
// already converted (mantissa * 10^Expo); Expo is echoed for clients that
// want the raw scale.
type PriceUpdate struct {
	Pair        string `json:"pair"`
	Price       string `json:"price"`
	Confidence  string `json:"confidence"`
	Expo        int32  `json:"expo"`
	PublishTime int64  `json:"publishTime"`
}

// ServerMessage is one outbound message to a downstream client.
type ServerMessage struct {
	Type           string       `json:"type"`
	Pair           string       `json:"pair,omitempty"`
	SupportedPairs []string     `json:"supportedPairs,omitempty"`
	Data           *PriceUpdate `json:"data,omitempty"`
	Message        string       `json:"message,omitempty"`
	Code           string       `json:"code,omitempty"`
	Timestamp      int64        `json:"timestamp"`
}

// UpstreamRequest is the (un)subscribe frame sent to the price source.
// IDs are always normalized feed identifiers.
type UpstreamRequest struct {
	Type string   `json:"type"`
	IDs  []string `json:"ids"`
}

// UpstreamMessage is one inbound frame from the price source.
type UpstreamMessage struct {
	Type      string             `json:"type"`
	PriceFeed *UpstreamPriceFeed `json:"price_feed,omitempty"`
}

type UpstreamPriceFeed struct {
	ID       string         `json:"id"`
	Price    UpstreamPrice  `json:"price"`
	EMAPrice *UpstreamPrice `json:"ema_price,omitempty"`
}

type UpstreamPrice struct {
	Price       string `json:"price"`
	Conf        string `json:"conf"`
	Expo        int32  `json:"expo"`
	PublishTime int64  `json:"publish_time"`
}

// Tick flattens an upstream price feed frame into a PriceTick. The embedded
// identifier is passed through as-is; normalization is the feed layer's job.
func (f *UpstreamPriceFeed) Tick() PriceTick {
	t := PriceTick{
		ID:          f.ID,
		Price:       f.Price.Price,
		Conf:        f.Price.Conf,
		Expo:        f.Price.Expo,
		PublishTime: f.Price.PublishTime,
	}
	if f.EMAPrice != nil {
		t.EMAPrice = f.EMAPrice.Price
		t.EMAConf = f.EMAPrice.Conf
	}
	return t
}
