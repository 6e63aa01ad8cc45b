package rest

import (
	"net/http"
)

// Preset fills provider defaults into a decoded config. Values set by the
// source configuration win.
type Preset func(*Config)

// Shiprocket targets the Shiprocket external API. Requests carry a bearer
// token obtained from /auth/login with the configured email and password.
func Shiprocket(c *Config) {
	if c.BaseURL == "" {
		c.BaseURL = "https://apiv2.shiprocket.in/v1/external"
	}
	if c.Auth.Type == "" {
		c.Auth.Type = AuthShiprocket
	}
	if c.RateLimit == 0 {
		c.RateLimit = 5
	}
	if len(c.Endpoints) == 0 {
		c.Endpoints = []EndpointConfig{
			{
				Entity:      "shipments",
				Description: "courier shipments with awb, courier name, status and charges",
				Path:        "/shipments",
				RecordsPath: "data",
				FromParam:   "from",
				ToParam:     "to",
				TimeField:   "created_at",
				LimitParam:  "per_page",
			},
			{
				Entity:      "orders",
				Description: "channel orders with customer, payment method, total and status",
				Path:        "/orders",
				RecordsPath: "data",
				FromParam:   "from",
				ToParam:     "to",
				TimeField:   "created_at",
				LimitParam:  "per_page",
			},
		}
	}
}

// PayU targets the PayU merchant postservice API. Calls are form posts
// signed with sha512(key|command|var1|salt).
func PayU(c *Config) {
	if c.BaseURL == "" {
		c.BaseURL = "https://info.payu.in"
	}
	if c.Auth.Type == "" {
		c.Auth.Type = AuthPayU
	}
	if len(c.Endpoints) == 0 {
		c.Endpoints = []EndpointConfig{
			{
				Entity:      "payments",
				Description: "payment transactions with txnid, mihpayid, amount, mode and status",
				Method:      http.MethodPost,
				Path:        "/merchant/postservice.php",
				Encoding:    EncodingForm,
				Query:       map[string]string{"form": "2"},
				Params:      map[string]string{"command": "get_Transaction_Details"},
				RecordsPath: "Transaction_details",
				FromParam:   "var1",
				ToParam:     "var2",
				TimeField:   "addedon",
			},
		}
	}
}

var presets = map[string]Preset{
	"shiprocket": Shiprocket,
	"payu":       PayU,
}
