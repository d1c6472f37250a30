package models

import "fmt"

// GoogleSheetsAccount is the GOOGLE_SHEETS view of Connection.PlatformData.
type GoogleSheetsAccount struct {
	AccountEmail  string `json:"accountEmail,omitempty"`
	SpreadsheetID string `json:"spreadsheetId,omitempty"`
}

// ShopifyStore is the SHOPIFY view of Connection.PlatformData.
type ShopifyStore struct {
	ShopDomain string `json:"shopDomain,omitempty"`
	ShopName   string `json:"shopName,omitempty"`
}

func (c *Connection) GoogleSheetsAccount() (GoogleSheetsAccount, error) {
	var v GoogleSheetsAccount
	if c.PlatformType != PlatformGoogleSheets {
		return v, fmt.Errorf("connection %s is %s, not %s", c.ID, c.PlatformType, PlatformGoogleSheets)
	}
	if err := c.PlatformData.decodeInto(&v); err != nil {
		return v, fmt.Errorf("failed to decode platform data: %w", err)
	}
	return v, nil
}

func (c *Connection) ShopifyStore() (ShopifyStore, error) {
	var v ShopifyStore
	if c.PlatformType != PlatformShopify {
		return v, fmt.Errorf("connection %s is %s, not %s", c.ID, c.PlatformType, PlatformShopify)
	}
	if err := c.PlatformData.decodeInto(&v); err != nil {
		return v, fmt.Errorf("failed to decode platform data: %w", err)
	}
	return v, nil
}
