package models

// DisclaimedResponse is a chat response that may be delivered to the user.
// Text is the only field a client should render.
type DisclaimedResponse struct {
	Response          string `json:"response"`
	Disclaimer        string `json:"disclaimer"`
	DisclaimerVersion int    `json:"disclaimer_version"`
	Text              string `json:"text"`
}
