package gateway

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/ucp-merchant/internal/domain/payment"
	"github.com/xenking/ucp-merchant/internal/money"
)

// wireIntent is the provider representation of a payment intent. Amounts are
// decimal strings in the intent currency.
type wireIntent struct {
	ID               string
	Status           string
	Amount           string
	Currency         string
	AmountCapturable string
	AmountReceived   string
	AmountRefunded   string
	SessionID        string
	ClientSecret     string
	PaymentMethod    string
	ErrorCode        string
	ErrorMessage     string
	NextActionType   string
	NextActionURL    string
	CapturedAt       int64
	Created          int64
}

func (w *wireIntent) Decode(d *jx.Decoder) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "id":
			w.ID, err = d.Str()
		case "status":
			w.Status, err = d.Str()
		case "amount":
			w.Amount, err = d.Str()
		case "currency":
			w.Currency, err = d.Str()
		case "amount_capturable":
			w.AmountCapturable, err = d.Str()
		case "amount_received":
			w.AmountReceived, err = d.Str()
		case "amount_refunded":
			w.AmountRefunded, err = d.Str()
		case "client_secret":
			w.ClientSecret, err = optStr(d)
		case "payment_method":
			w.PaymentMethod, err = optStr(d)
		case "captured_at":
			w.CapturedAt, err = optInt(d)
		case "created":
			w.Created, err = optInt(d)
		case "metadata":
			err = d.Obj(func(d *jx.Decoder, key string) error {
				if key != "checkout_session_id" {
					return d.Skip()
				}
				v, err := d.Str()
				w.SessionID = v
				return err
			})
		case "last_payment_error":
			err = optObj(d, func(d *jx.Decoder, key string) error {
				var err error
				switch key {
				case "code":
					w.ErrorCode, err = d.Str()
				case "message":
					w.ErrorMessage, err = d.Str()
				default:
					err = d.Skip()
				}
				return err
			})
		case "next_action":
			err = optObj(d, func(d *jx.Decoder, key string) error {
				var err error
				switch key {
				case "type":
					w.NextActionType, err = d.Str()
				case "redirect_url":
					w.NextActionURL, err = d.Str()
				default:
					err = d.Skip()
				}
				return err
			})
		default:
			err = d.Skip()
		}
		return errors.Wrapf(err, "field %q", key)
	})
}

func (w *wireIntent) toIntent() (*payment.Intent, error) {
	amount, err := money.New(w.Amount, w.Currency)
	if err != nil {
		return nil, errors.Wrap(err, "amount")
	}
	intent := &payment.Intent{
		ID:                w.ID,
		Status:            payment.Status(w.Status),
		Amount:            amount,
		CheckoutSessionID: w.SessionID,
		ClientSecret:      w.ClientSecret,
		PaymentMethod:     w.PaymentMethod,
		ErrorMessage:      w.ErrorMessage,
		DeclineCode:       w.ErrorCode,
		CreatedAt:         time.Unix(w.Created, 0).UTC(),
		UpdatedAt:         time.Now().UTC(),
	}
	for _, f := range []struct {
		raw string
		dst *money.Money
	}{
		{w.AmountCapturable, &intent.AuthorizedAmount},
		{w.AmountReceived, &intent.CapturedAmount},
		{w.AmountRefunded, &intent.RefundedAmount},
	} {
		if f.raw == "" {
			*f.dst = money.Zero(w.Currency)
			continue
		}
		if *f.dst, err = money.New(f.raw, w.Currency); err != nil {
			return nil, err
		}
	}
	if w.NextActionType != "" {
		intent.NextAction = &payment.NextAction{Type: w.NextActionType, RedirectURL: w.NextActionURL}
	}
	if w.CapturedAt > 0 {
		t := time.Unix(w.CapturedAt, 0).UTC()
		intent.CapturedAt = &t
	}
	return intent, nil
}

func decodeIntent(data []byte) (*payment.Intent, error) {
	var w wireIntent
	if err := w.Decode(jx.DecodeBytes(data)); err != nil {
		return nil, errors.Wrap(err, "decode payment intent")
	}
	return w.toIntent()
}

func decodeMethods(data []byte) ([]payment.Method, error) {
	var out []payment.Method
	err := jx.DecodeBytes(data).Obj(func(d *jx.Decoder, key string) error {
		if key != "data" {
			return d.Skip()
		}
		return d.Arr(func(d *jx.Decoder) error {
			var m payment.Method
			err := d.Obj(func(d *jx.Decoder, key string) error {
				var err error
				switch key {
				case "id":
					m.ID, err = d.Str()
				case "customer":
					m.CustomerID, err = optStr(d)
				case "type":
					m.Type, err = d.Str()
				case "card":
					err = d.Obj(func(d *jx.Decoder, key string) error {
						var err error
						switch key {
						case "brand":
							m.Brand, err = d.Str()
						case "last4":
							m.Last4, err = d.Str()
						default:
							err = d.Skip()
						}
						return err
					})
				default:
					err = d.Skip()
				}
				return err
			})
			out = append(out, m)
			return err
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "decode payment methods")
	}
	return out, nil
}

// apiError is the provider error envelope: {"error":{"type","code","message"}}.
type apiError struct {
	Type    string
	Code    string
	Message string
}

func decodeAPIError(data []byte) apiError {
	var e apiError
	_ = jx.DecodeBytes(data).Obj(func(d *jx.Decoder, key string) error {
		if key != "error" {
			return d.Skip()
		}
		return d.Obj(func(d *jx.Decoder, key string) error {
			var err error
			switch key {
			case "type":
				e.Type, err = d.Str()
			case "code":
				e.Code, err = d.Str()
			case "message":
				e.Message, err = d.Str()
			default:
				err = d.Skip()
			}
			return err
		})
	})
	return e
}

func optStr(d *jx.Decoder) (string, error) {
	if d.Next() == jx.Null {
		return "", d.Null()
	}
	return d.Str()
}

func optInt(d *jx.Decoder) (int64, error) {
	if d.Next() == jx.Null {
		return 0, d.Null()
	}
	return d.Int64()
}

func optObj(d *jx.Decoder, f func(d *jx.Decoder, key string) error) error {
	if d.Next() == jx.Null {
		return d.Null()
	}
	return d.Obj(f)
}

func encodeObj(fields func(e *jx.Encoder)) []byte {
	e := &jx.Encoder{}
	e.ObjStart()
	fields(e)
	e.ObjEnd()
	return e.Bytes()
}
