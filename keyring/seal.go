package keyring

// SealForRole derives role's subkeys from master and seals them,
// producing the bytes stored under keys/<role> inside the repository.
func SealForRole(master *Master, role Role, passphrase string) ([]byte, error) {
	ks, err := Derive(master, role)
	if err != nil {
		return nil, err
	}
	return Seal(ks, passphrase)
}

// UnsealForRole is an alias of Unseal kept for symmetry with SealForRole;
// both the repository's keys/<role> copies and portable key files share one
// wire format.
func UnsealForRole(data []byte, passphrase string) (*KeySet, error) {
	return Unseal(data, passphrase)
}
