package avito

import (
	"context"
	"fmt"

	"sellerbot/internal/gateway"
)

// CPX Promo endpoints. setAuto takes a daily budget; setManual takes a daily
// limit and requires the current bid (from getBids).

func (c *Client) Bid(ctx context.Context, token string, itemID int64) (int64, error) {
	u := fmt.Sprintf("%s/cpxpromo/1/getBids/%d", c.cfg.BaseURL, itemID)
	var body struct {
		Result []struct {
			BidPenny int64 `json:"bidPenny"`
		} `json:"result"`
	}
	if err := c.getJSON(ctx, token, u, &body); err != nil {
		return 0, fmt.Errorf("getBids %d: %w", itemID, err)
	}
	if len(body.Result) == 0 || body.Result[0].BidPenny <= 0 {
		return 0, gateway.ErrNoBid
	}
	return body.Result[0].BidPenny, nil
}

func (c *Client) SetAutoBudget(ctx context.Context, token string, itemID, budgetPenny int64, actionTypeID int) error {
	payload := map[string]any{
		"itemID":       itemID,
		"actionTypeID": actionTypeID,
		"budgetType":   "1d",
		"budgetPenny":  budgetPenny,
	}
	if err := c.postJSON(ctx, token, c.cfg.BaseURL+"/cpxpromo/1/setAuto", payload, nil); err != nil {
		return fmt.Errorf("setAuto %d: %w", itemID, err)
	}
	return nil
}

func (c *Client) SetManualLimit(ctx context.Context, token string, itemID, limitPenny, bidPenny int64, actionTypeID int) error {
	payload := map[string]any{
		"itemID":       itemID,
		"actionTypeID": actionTypeID,
		"bidPenny":     bidPenny,
		"limitPenny":   limitPenny,
	}
	if err := c.postJSON(ctx, token, c.cfg.BaseURL+"/cpxpromo/1/setManual", payload, nil); err != nil {
		return fmt.Errorf("setManual %d: %w", itemID, err)
	}
	return nil
}
