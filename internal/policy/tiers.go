package policy

type AmountBelow struct {
	ID        string
	Threshold float64
	Result    Outcome
}

func (t AmountBelow) TierID() string { return t.ID }
func (t AmountBelow) Kind() TierKind { return TierAmountBelow }
func (t AmountBelow) Outcome() Outcome { return t.Result }
func (t AmountBelow) Match(in Input) (bool, error) { return in.Amount < t.Threshold, nil }

type AmountAbove struct {
	ID        string
	Threshold float64
	Result    Outcome
}

func (t AmountAbove) TierID() string { return t.ID }
func (t AmountAbove) Kind() TierKind { return TierAmountAbove }
func (t AmountAbove) Outcome() Outcome { return t.Result }
func (t AmountAbove) Match(in Input) (bool, error) { return in.Amount > t.Threshold, nil }

// Default matches everything and must close the cascade.
type Default struct {
	ID     string
	Result Outcome
}

func (t Default) TierID() string { return t.ID }
func (t Default) Kind() TierKind { return TierDefault }
func (t Default) Outcome() Outcome { return t.Result }
func (t Default) Match(Input) (bool, error) { return true, nil }
