package mpesa

import (
	"encoding/json"
	"errors"
	"strconv"
)

// ErrMalformedCallback means no correlation key could be extracted from the
// payload. Anything else about the shape is tolerated.
var ErrMalformedCallback = errors.New("malformed gateway callback")

// Settlement is the one canonical form every known callback shape is
// normalized into before any business logic runs.
type Settlement struct {
	MerchantRequestID string
	CheckoutRequestID string
	AccountReference  string
	ResultCode        int
	ResultDesc        string
	Metadata          map[string]any
}

func (s *Settlement) Succeeded() bool { return s.ResultCode == 0 }

// stkCallback is the gateway's notification body. Result codes arrive as
// numbers or numeric strings depending on the integration, and the envelope
// nesting varies, so everything is decoded loosely and coerced.
type stkCallback struct {
	MerchantRequestID string           `json:"MerchantRequestID"`
	CheckoutRequestID string           `json:"CheckoutRequestID"`
	ResultCode        json.RawMessage  `json:"ResultCode"`
	ResultDesc        string           `json:"ResultDesc"`
	CallbackMetadata  callbackMetadata `json:"CallbackMetadata"`

	// alternate key spellings seen across integrations
	CheckoutRequestIDAlt  string `json:"CheckoutRequestId"`
	CheckoutRequestIDAlt2 string `json:"checkoutRequestID"`
}

type callbackMetadata struct {
	Item []metadataItem `json:"Item"`
}

type metadataItem struct {
	Name  string `json:"Name"`
	Value any    `json:"Value"`
}

type callbackEnvelope struct {
	Body *struct {
		StkCallback *stkCallback `json:"stkCallback"`
	} `json:"Body"`
	StkCallback *stkCallback `json:"stkCallback"`
}

// ParseCallback accepts the known envelope shapes — Body.stkCallback, a bare
// stkCallback wrapper, or the callback object itself — and normalizes them
// into a Settlement. It fails only when no correlation key is extractable.
func ParseCallback(raw []byte) (*Settlement, error) {
	var env callbackEnvelope
	cb := &stkCallback{}
	if err := json.Unmarshal(raw, &env); err == nil {
		switch {
		case env.Body != nil && env.Body.StkCallback != nil:
			cb = env.Body.StkCallback
		case env.StkCallback != nil:
			cb = env.StkCallback
		default:
			if err := json.Unmarshal(raw, cb); err != nil {
				return nil, ErrMalformedCallback
			}
		}
	} else if err := json.Unmarshal(raw, cb); err != nil {
		return nil, ErrMalformedCallback
	}

	st := &Settlement{
		MerchantRequestID: cb.MerchantRequestID,
		CheckoutRequestID: cb.CheckoutRequestID,
		ResultDesc:        cb.ResultDesc,
		Metadata:          map[string]any{},
	}
	if st.CheckoutRequestID == "" {
		st.CheckoutRequestID = cb.CheckoutRequestIDAlt
	}
	if st.CheckoutRequestID == "" {
		st.CheckoutRequestID = cb.CheckoutRequestIDAlt2
	}

	code, ok := asInt(cb.ResultCode)
	if !ok {
		// no result code at all: treat as failure description only
		code = -1
	}
	st.ResultCode = code

	for _, item := range cb.CallbackMetadata.Item {
		if item.Name == "" || item.Value == nil {
			continue
		}
		st.Metadata[item.Name] = item.Value
		if item.Name == "AccountReference" {
			if s, ok := item.Value.(string); ok {
				st.AccountReference = s
			}
		}
	}

	if st.CheckoutRequestID == "" && st.AccountReference == "" {
		return nil, ErrMalformedCallback
	}
	return st, nil
}

// asInt coerces a raw JSON value (number or numeric string) into an int.
func asInt(raw json.RawMessage) (int, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if n, err := strconv.Atoi(s); err == nil {
			return n, true
		}
	}
	return 0, false
}
