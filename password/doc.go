// Package password hashes and verifies admin passwords with Argon2id in the
// standard PHC string format, so hashes interoperate with other stacks that
// follow the same encoding.
package password
