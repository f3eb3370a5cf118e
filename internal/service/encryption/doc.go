// Package encryption implements field-level symmetric encryption, credential
// hashing, and secure token generation for the trust core.
//
// Field ciphertext is tagged with an "enc:v1:" prefix. DecryptField treats
// untagged input as historical plaintext and returns it unchanged rather than
// erroring. The trade-off: after a key rotation, a value encrypted under the
// old key decrypts to garbage errors while a never-encrypted value silently
// passes through, and the two cases are indistinguishable to callers that
// swallow the error. The version tag exists so a rotation migration can be
// written without guessing which rows are ciphertext.
package encryption
