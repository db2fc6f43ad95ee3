// Package factor contains SecondFactorVerifier implementations and a
// router that dispatches OTP and SMS steps to different backends.
package factor
