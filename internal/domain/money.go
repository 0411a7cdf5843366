package domain

// ProviderUnitFactor converts display-unit amounts into the unit required by external gateways
// and by the wallet ledger.
const ProviderUnitFactor = 10

// ToProviderUnit scales a display amount to provider units.
func ToProviderUnit(amount int64) int64 {
	return amount * ProviderUnitFactor
}

// FromProviderUnit scales a provider amount back to display units, rounding half up.
func FromProviderUnit(amount int64) int64 {
	if amount >= 0 {
		return (amount + ProviderUnitFactor/2) / ProviderUnitFactor
	}
	return -((-amount + ProviderUnitFactor/2) / ProviderUnitFactor)
}
