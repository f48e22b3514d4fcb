package product

import (
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
)

// ParseCatalog decodes a JSON array of goods:
//
//	[{"id":"1","name":"Keyboard","description":"...","price":"99.99"}]
//
// Prices may be JSON numbers or numeric strings and must be positive.
func ParseCatalog(data []byte) ([]Good, error) {
	var goods []Good
	err := jx.DecodeBytes(data).Arr(func(d *jx.Decoder) error {
		var g Good
		if err := d.Obj(func(d *jx.Decoder, key string) error {
			var err error
			switch key {
			case "id":
				g.ID, err = d.Str()
			case "name":
				g.Name, err = d.Str()
			case "description":
				g.Description, err = d.Str()
			case "price":
				g.Price, err = decodePrice(d)
			default:
				return d.Skip()
			}
			return errors.Wrap(err, key)
		}); err != nil {
			return err
		}
		if g.ID == "" {
			return errors.Errorf("good #%d: id required", len(goods))
		}
		if !g.Price.IsPositive() {
			return errors.Errorf("good %s: price must be greater than 0", g.ID)
		}
		if !g.Price.Equal(g.Price.Truncate(2)) {
			return errors.Errorf("good %s: price has more than 2 decimal places", g.ID)
		}
		goods = append(goods, g)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "parse catalog")
	}
	return goods, nil
}

func decodePrice(d *jx.Decoder) (decimal.Decimal, error) {
	if d.Next() == jx.String {
		s, err := d.Str()
		if err != nil {
			return decimal.Decimal{}, err
		}
		return decimal.NewFromString(s)
	}
	n, err := d.Num()
	if err != nil {
		return decimal.Decimal{}, err
	}
	return decimal.NewFromString(n.String())
}
