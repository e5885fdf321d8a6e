package domain

type UserID string
