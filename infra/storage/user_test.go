package storage

import (
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestHashPassword(t *testing.T) {
	hashed, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	cost, err := bcrypt.Cost([]byte(hashed))
	if err != nil || cost != PasswordCost {
		t.Fatalf("cost=%d err=%v", cost, err)
	}

	u := &User{PasswordHash: hashed}
	if !u.CheckPassword("hunter2") {
		t.Fatalf("correct password rejected")
	}
	if u.CheckPassword("hunter3") {
		t.Fatalf("wrong password accepted")
	}
	if (&User{}).CheckPassword("") {
		t.Fatalf("empty hash accepted")
	}
}
